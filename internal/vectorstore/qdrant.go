package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

// collectionName is the single global collection backing every dataset;
// dataset/collection scoping is carried in each point's payload and
// resolved against the metadata store, not through separate collections.
const collectionName = "rag_vectors"

const (
	hnswM              = 16
	hnswEfConstruction = 200
	minSearchEf        = 64
)

// QdrantStore implements VectorStore using Qdrant.
type QdrantStore struct {
	client *qdrant.Client
}

// NewQdrantStore creates a new Qdrant vector store client.
// url should be in format "host:port" (e.g., "localhost:6334").
func NewQdrantStore(ctx context.Context, url string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client}, nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the backing collection if it does not yet
// exist, configured for cosine-distance HNSW search (M=16, efConstruction=200).
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, collectionName)
	if err != nil {
		return fmt.Errorf("checking collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
		HnswConfig: &qdrant.HnswConfigDiff{
			M:           qdrant.PtrOf(uint64(hnswM)),
			EfConstruct: qdrant.PtrOf(uint64(hnswEfConstruction)),
		},
	})
	if err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}

	return nil
}

// Upsert inserts or overwrites the given points.
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]*qdrant.Value{
			"data_id": qdrant.NewValueString(p.DataID),
		}
		for k, v := range p.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}

		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.VectorID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collectionName,
		Points:         qpoints,
	})
	if err != nil {
		return fmt.Errorf("upserting points: %w", err)
	}

	return nil
}

// Search returns the topK nearest neighbors to vector by cosine similarity,
// with the HNSW search-time ef parameter set to max(2*topK, 64).
func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	ef := 2 * topK
	if ef < minSearchEf {
		ef = minSearchEf
	}

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collectionName,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		Params: &qdrant.SearchParams{
			HnswEf: qdrant.PtrOf(uint64(ef)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}

	results := make([]SearchResult, 0, len(response))
	for _, point := range response {
		result := SearchResult{
			VectorID: point.Id.GetUuid(),
			Score:    point.Score,
			Metadata: make(map[string]string),
		}

		if payload := point.Payload; payload != nil {
			if dataID, ok := payload["data_id"]; ok {
				result.DataID = dataID.GetStringValue()
			}
			for k, v := range payload {
				if k != "data_id" {
					result.Metadata[k] = v.GetStringValue()
				}
			}
		}

		results = append(results, result)
	}

	return results, nil
}

// DeleteByDataIDs removes every vector belonging to the given data records.
func (s *QdrantStore) DeleteByDataIDs(ctx context.Context, dataIDs []string) error {
	if len(dataIDs) == 0 {
		return nil
	}

	should := make([]*qdrant.Condition, len(dataIDs))
	for i, id := range dataIDs {
		should[i] = qdrant.NewMatch("data_id", id)
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Should: should,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting by data IDs: %w", err)
	}

	return nil
}

// Ensure QdrantStore implements VectorStore.
var _ VectorStore = (*QdrantStore)(nil)
