package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/embedder"
	"github.com/knoguchi/rag/internal/lexical"
	"github.com/knoguchi/rag/internal/pipeline"
	"github.com/knoguchi/rag/internal/repository"
	"github.com/knoguchi/rag/internal/tokenizer"
	"github.com/knoguchi/rag/internal/vectorstore"
)

// VectorBatchSize is the number of Data records vectorized per batch.
const VectorBatchSize = 10

// unprocessedBatchLimit bounds how many unprocessed Data rows are resumed
// for a single collection in one ImportDirectory pass.
const unprocessedBatchLimit = 100000

// SubChunkThreshold is the content length above which a second, sub-chunk
// vector is additionally embedded from the leading SubChunkLength runes.
const (
	SubChunkThreshold = 512
	SubChunkLength    = 512
)

// Stats summarizes one import_directory run.
type Stats struct {
	FilesProcessed int
	ChunksCreated  int
	VectorsCreated int
	Errors         []string
}

// Pipeline implements 4.R: resumable directory ingestion.
type Pipeline struct {
	datasets    repository.DatasetRepository
	collections repository.CollectionRepository
	data        repository.DataRepository
	vectors     vectorstore.VectorStore
	lexicalIdx  *lexical.Index
	embed       embedder.Embedder
	ids         *domain.IDGenerator
	tokens      *tokenizer.Counter
	logger      *slog.Logger
}

// New constructs an ingestion Pipeline.
func New(
	datasets repository.DatasetRepository,
	collections repository.CollectionRepository,
	data repository.DataRepository,
	vectors vectorstore.VectorStore,
	lexicalIdx *lexical.Index,
	embed embedder.Embedder,
	ids *domain.IDGenerator,
	tokens *tokenizer.Counter,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		datasets:    datasets,
		collections: collections,
		data:        data,
		vectors:     vectors,
		lexicalIdx:  lexicalIdx,
		embed:       embed,
		ids:         ids,
		tokens:      tokens,
		logger:      logger,
	}
}

// ImportDirectory imports every .txt file under dataDir into a Dataset
// named datasetName, creating the Dataset and one Collection per file if
// they do not already exist. For each file, unprocessed Data rows left in
// its Collection by a prior interrupted run are vectorized in place of
// re-reading the file. A DuplicateID or DecodeFailure error aborts the run;
// other per-file errors are recorded in Stats.Errors and the next file is
// processed.
func (p *Pipeline) ImportDirectory(ctx context.Context, dataDir, datasetName string) (Stats, error) {
	var stats Stats

	dataset, err := p.getOrCreateDataset(ctx, datasetName)
	if err != nil {
		return stats, fmt.Errorf("get-or-create dataset: %w", err)
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return stats, fmt.Errorf("reading data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		path := filepath.Join(dataDir, entry.Name())
		if err := p.importFile(ctx, dataset, path, &stats); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			p.logger.Error("import failed for file", "path", path, "error", err)
			if pipeline.Is(err, pipeline.DuplicateID) || pipeline.Is(err, pipeline.DecodeFailure) {
				return stats, err
			}
			continue
		}
		stats.FilesProcessed++
	}

	if err := p.datasets.RefreshUsage(ctx, dataset.ID); err != nil {
		p.logger.Warn("refreshing dataset usage failed", "dataset_id", dataset.ID, "error", err)
	}

	return stats, nil
}

func (p *Pipeline) importFile(ctx context.Context, dataset *domain.Dataset, path string, stats *Stats) error {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	collection, err := p.getOrCreateCollection(ctx, dataset.ID, stem, path)
	if err != nil {
		return fmt.Errorf("get-or-create collection: %w", err)
	}

	pending, err := p.data.ListUnprocessed(ctx, collection.ID, unprocessedBatchLimit)
	if err != nil {
		return fmt.Errorf("listing unprocessed data: %w", err)
	}

	if len(pending) == 0 {
		content, err := decodeFile(path)
		if err != nil {
			return fmt.Errorf("decode failure: %w", err)
		}

		chunks := Split(content)
		records, err := p.persistChunks(ctx, collection.ID, chunks)
		if err != nil {
			return fmt.Errorf("persisting chunks: %w", err)
		}
		pending = records
		stats.ChunksCreated += len(records)
	}

	vectorsCreated, err := p.vectorizeBatches(ctx, pending)
	if err != nil {
		return fmt.Errorf("vectorizing: %w", err)
	}
	stats.VectorsCreated += vectorsCreated

	if err := p.collections.RefreshUsage(ctx, collection.ID); err != nil {
		p.logger.Warn("refreshing collection usage failed", "collection_id", collection.ID, "error", err)
	}
	return nil
}

func (p *Pipeline) getOrCreateDataset(ctx context.Context, name string) (*domain.Dataset, error) {
	limit, offset := 200, 0
	for {
		datasets, total, err := p.datasets.List(ctx, limit, offset)
		if err != nil {
			return nil, err
		}
		for _, d := range datasets {
			if d.Name == name {
				return d, nil
			}
		}
		offset += len(datasets)
		if offset >= total || len(datasets) == 0 {
			break
		}
	}

	now := time.Now()
	dataset := &domain.Dataset{
		ID:        p.ids.NewDatasetID(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.datasets.Create(ctx, dataset); err != nil {
		return nil, err
	}
	return dataset, nil
}

func (p *Pipeline) getOrCreateCollection(ctx context.Context, datasetID, name, sourceFile string) (*domain.Collection, error) {
	limit, offset := 200, 0
	for {
		collections, total, err := p.collections.ListByDataset(ctx, datasetID, limit, offset)
		if err != nil {
			return nil, err
		}
		for _, c := range collections {
			if c.Name == name {
				return c, nil
			}
		}
		offset += len(collections)
		if offset >= total || len(collections) == 0 {
			break
		}
	}

	now := time.Now()
	collection := &domain.Collection{
		ID:         p.ids.NewCollectionID(),
		DatasetID:  datasetID,
		Name:       name,
		SourceFile: sourceFile,
		FileType:   "txt",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.collections.Create(ctx, collection); err != nil {
		return nil, err
	}
	return collection, nil
}

// persistChunks writes split chunks as unprocessed Data rows and returns
// them, so the caller can proceed straight to vectorization.
func (p *Pipeline) persistChunks(ctx context.Context, collectionID string, chunks []Chunk) ([]*domain.Data, error) {
	now := time.Now()
	records := make([]*domain.Data, 0, len(chunks))
	for _, chunk := range chunks {
		id := p.ids.NewDataID()
		records = append(records, &domain.Data{
			ID:           id,
			CollectionID: collectionID,
			Content:      chunk.Content,
			Sequence:     chunk.Index,
			Tokens:       p.tokens.Count(chunk.Content),
			Processed:    false,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	if len(records) == 0 {
		return nil, nil
	}
	if err := p.data.CreateBatch(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// vectorizeBatches embeds and upserts vectors for records in fixed-size
// batches, marking each record processed as it completes.
func (p *Pipeline) vectorizeBatches(ctx context.Context, records []*domain.Data) (int, error) {
	total := 0
	for i := 0; i < len(records); i += VectorBatchSize {
		end := i + VectorBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[i:end]

		if err := p.lexicalIdx.IndexData(ctx, derefBatch(batch)); err != nil {
			p.logger.Warn("lexical indexing failed for batch", "error", err)
		}

		for _, record := range batch {
			n, err := p.vectorizeOne(ctx, record)
			if err != nil {
				return total, fmt.Errorf("vectorizing data %s: %w", record.ID, err)
			}
			total += n
		}
	}
	return total, nil
}

func (p *Pipeline) vectorizeOne(ctx context.Context, record *domain.Data) (int, error) {
	mainVector, err := p.embed.Embed(ctx, record.Content)
	if err != nil {
		return 0, err
	}

	mainID := p.ids.NewVectorID()
	points := []vectorstore.Point{{
		VectorID: mainID,
		DataID:   record.ID,
		Vector:   mainVector,
	}}
	vectorIDs := []string{mainID}

	if utf8.RuneCountInString(record.Content) > SubChunkThreshold {
		sub := firstRunes(record.Content, SubChunkLength)
		subVector, err := p.embed.Embed(ctx, sub)
		if err != nil {
			return 0, err
		}
		subID := p.ids.NewVectorID()
		points = append(points, vectorstore.Point{
			VectorID: subID,
			DataID:   record.ID,
			Vector:   subVector,
		})
		vectorIDs = append(vectorIDs, subID)
	}

	if err := p.vectors.Upsert(ctx, points); err != nil {
		return 0, err
	}
	if err := p.data.MarkProcessed(ctx, record.ID, vectorIDs); err != nil {
		return 0, err
	}

	return len(points), nil
}

func firstRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func derefBatch(records []*domain.Data) []domain.Data {
	out := make([]domain.Data, len(records))
	for i, r := range records {
		out[i] = *r
	}
	return out
}

// decodeFile reads path and decodes it with the first encoding in
// utf-8, gbk, gb2312, utf-16, big5 that produces valid text. All five
// failing aborts the file with a decode-failure error.
func decodeFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	if utf8.Valid(raw) {
		return string(raw), nil
	}

	decoders := []struct {
		name string
		dec  func([]byte) (string, error)
	}{
		{"gbk", decodeWith(simplifiedchinese.GBK.NewDecoder())},
		{"gb2312", decodeWith(simplifiedchinese.HZGB2312.NewDecoder())},
		{"utf-16", decodeWith(unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder())},
		{"big5", decodeWith(traditionalchinese.Big5.NewDecoder())},
	}

	for _, d := range decoders {
		text, err := d.dec(raw)
		if err == nil && utf8.ValidString(text) {
			return text, nil
		}
	}

	return "", pipeline.Wrap(pipeline.DecodeFailure, fmt.Errorf("no supported encoding decoded %s", path))
}

type byteDecoder interface {
	Bytes(b []byte) ([]byte, error)
}

func decodeWith(dec byteDecoder) func([]byte) (string, error) {
	return func(raw []byte) (string, error) {
		out, err := dec.Bytes(raw)
		if err != nil {
			return "", err
		}
		return string(bytes.TrimPrefix(out, []byte{0xEF, 0xBB, 0xBF})), nil
	}
}
