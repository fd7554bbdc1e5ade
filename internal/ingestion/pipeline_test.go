package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/lexical"
	"github.com/knoguchi/rag/internal/tokenizer"
	"github.com/knoguchi/rag/internal/vectorstore"
)

type fakeDatasetRepo struct {
	byID map[string]*domain.Dataset
}

func newFakeDatasetRepo() *fakeDatasetRepo { return &fakeDatasetRepo{byID: map[string]*domain.Dataset{}} }

func (f *fakeDatasetRepo) Create(ctx context.Context, d *domain.Dataset) error {
	f.byID[d.ID] = d
	return nil
}
func (f *fakeDatasetRepo) GetByID(ctx context.Context, id string) (*domain.Dataset, error) {
	if d, ok := f.byID[id]; ok {
		return d, nil
	}
	return nil, domain.ErrNotFound
}
func (f *fakeDatasetRepo) List(ctx context.Context, limit, offset int) ([]*domain.Dataset, int, error) {
	var out []*domain.Dataset
	for _, d := range f.byID {
		out = append(out, d)
	}
	return out, len(out), nil
}
func (f *fakeDatasetRepo) Update(ctx context.Context, d *domain.Dataset) error {
	f.byID[d.ID] = d
	return nil
}
func (f *fakeDatasetRepo) Delete(ctx context.Context, id string) error {
	delete(f.byID, id)
	return nil
}
func (f *fakeDatasetRepo) RefreshUsage(ctx context.Context, id string) error { return nil }

type fakeCollectionRepo struct {
	byID map[string]*domain.Collection
}

func newFakeCollectionRepo() *fakeCollectionRepo {
	return &fakeCollectionRepo{byID: map[string]*domain.Collection{}}
}

func (f *fakeCollectionRepo) Create(ctx context.Context, c *domain.Collection) error {
	f.byID[c.ID] = c
	return nil
}
func (f *fakeCollectionRepo) GetByID(ctx context.Context, id string) (*domain.Collection, error) {
	if c, ok := f.byID[id]; ok {
		return c, nil
	}
	return nil, domain.ErrNotFound
}
func (f *fakeCollectionRepo) ListByDataset(ctx context.Context, datasetID string, limit, offset int) ([]*domain.Collection, int, error) {
	var out []*domain.Collection
	for _, c := range f.byID {
		if c.DatasetID == datasetID {
			out = append(out, c)
		}
	}
	return out, len(out), nil
}
func (f *fakeCollectionRepo) Update(ctx context.Context, c *domain.Collection) error {
	f.byID[c.ID] = c
	return nil
}
func (f *fakeCollectionRepo) Delete(ctx context.Context, id string) error {
	delete(f.byID, id)
	return nil
}
func (f *fakeCollectionRepo) RefreshUsage(ctx context.Context, id string) error { return nil }

type fakeDataRepo struct {
	byID map[string]*domain.Data
}

func newFakeDataRepo() *fakeDataRepo { return &fakeDataRepo{byID: map[string]*domain.Data{}} }

func (f *fakeDataRepo) Create(ctx context.Context, d *domain.Data) error {
	f.byID[d.ID] = d
	return nil
}
func (f *fakeDataRepo) CreateBatch(ctx context.Context, records []*domain.Data) error {
	for _, d := range records {
		f.byID[d.ID] = d
	}
	return nil
}
func (f *fakeDataRepo) GetByID(ctx context.Context, id string) (*domain.Data, error) {
	if d, ok := f.byID[id]; ok {
		return d, nil
	}
	return nil, domain.ErrNotFound
}
func (f *fakeDataRepo) GetByIDs(ctx context.Context, ids []string) ([]*domain.Data, error) {
	var out []*domain.Data
	for _, id := range ids {
		if d, ok := f.byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}
func (f *fakeDataRepo) ListByCollection(ctx context.Context, collectionID string, limit, offset int) ([]*domain.Data, int, error) {
	var out []*domain.Data
	for _, d := range f.byID {
		if d.CollectionID == collectionID {
			out = append(out, d)
		}
	}
	return out, len(out), nil
}
func (f *fakeDataRepo) ListUnprocessed(ctx context.Context, collectionID string, limit int) ([]*domain.Data, error) {
	var out []*domain.Data
	for _, d := range f.byID {
		if d.CollectionID == collectionID && !d.Processed {
			out = append(out, d)
		}
	}
	return out, nil
}
func (f *fakeDataRepo) MarkProcessed(ctx context.Context, id string, vectorIDs []string) error {
	if d, ok := f.byID[id]; ok {
		d.Processed = true
		d.VectorIDs = vectorIDs
	}
	return nil
}
func (f *fakeDataRepo) Update(ctx context.Context, d *domain.Data) error {
	f.byID[d.ID] = d
	return nil
}
func (f *fakeDataRepo) Delete(ctx context.Context, id string) error {
	delete(f.byID, id)
	return nil
}

type fakeVectorStore struct {
	points []vectorstore.Point
}

func (f *fakeVectorStore) EnsureCollection(ctx context.Context, dimension int) error { return nil }
func (f *fakeVectorStore) Upsert(ctx context.Context, points []vectorstore.Point) error {
	f.points = append(f.points, points...)
	return nil
}
func (f *fakeVectorStore) Search(ctx context.Context, vector []float32, topK int) ([]vectorstore.SearchResult, error) {
	return nil, nil
}
func (f *fakeVectorStore) DeleteByDataIDs(ctx context.Context, dataIDs []string) error { return nil }

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return []float32{0.1, 0.2, 0.3}, nil
}
func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}
func (f *fakeEmbedder) Dimension() int    { return 3 }
func (f *fakeEmbedder) ModelName() string { return "fake" }

func TestPipeline_ImportDirectory(t *testing.T) {
	dir := t.TempDir()
	content := "这是第一段。\n\n这是第二段，内容稍微长一些，用于测试切分逻辑是否正常工作。\n\n"
	if err := os.WriteFile(filepath.Join(dir, "doc1.txt"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	datasets := newFakeDatasetRepo()
	collections := newFakeCollectionRepo()
	data := newFakeDataRepo()
	vectors := &fakeVectorStore{}
	lex, err := lexical.NewIndex("")
	if err != nil {
		t.Fatalf("creating lexical index: %v", err)
	}
	embed := &fakeEmbedder{}

	p := New(datasets, collections, data, vectors, lex, embed, domain.NewIDGenerator(), tokenizer.NewCounter(nil), nil)

	stats, err := p.ImportDirectory(context.Background(), dir, "test-dataset")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.FilesProcessed != 1 {
		t.Errorf("expected 1 file processed, got %d", stats.FilesProcessed)
	}
	if stats.ChunksCreated == 0 {
		t.Error("expected at least one chunk created")
	}
	if len(vectors.points) == 0 {
		t.Error("expected at least one vector upserted")
	}

	for _, d := range data.byID {
		if !d.Processed {
			t.Errorf("expected data %s to be marked processed", d.ID)
		}
		if len(d.VectorIDs) == 0 {
			t.Errorf("expected data %s to have vector ids recorded", d.ID)
		}
	}
}

func TestPipeline_ImportDirectory_ResumesUnprocessed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "doc1.txt"), []byte("content that will not be re-read"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	datasets := newFakeDatasetRepo()
	collections := newFakeCollectionRepo()
	data := newFakeDataRepo()
	vectors := &fakeVectorStore{}
	lex, err := lexical.NewIndex("")
	if err != nil {
		t.Fatalf("creating lexical index: %v", err)
	}
	embed := &fakeEmbedder{}
	ids := domain.NewIDGenerator()

	dataset := &domain.Dataset{ID: ids.NewDatasetID(), Name: "test-dataset"}
	datasets.byID[dataset.ID] = dataset
	collection := &domain.Collection{ID: ids.NewCollectionID(), DatasetID: dataset.ID, Name: "doc1"}
	collections.byID[collection.ID] = collection
	pendingID := ids.NewDataID()
	data.byID[pendingID] = &domain.Data{ID: pendingID, CollectionID: collection.ID, Content: "already chunked content", Processed: false}

	p := New(datasets, collections, data, vectors, lex, embed, ids, tokenizer.NewCounter(nil), nil)

	stats, err := p.ImportDirectory(context.Background(), dir, "test-dataset")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.ChunksCreated != 0 {
		t.Errorf("expected no new chunks created when resuming, got %d", stats.ChunksCreated)
	}
	if !data.byID[pendingID].Processed {
		t.Error("expected the pre-existing pending record to be processed")
	}
}
