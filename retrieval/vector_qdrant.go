package retrieval

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/veritas-project/veritas/core"
)

// QdrantStore adapts github.com/qdrant/go-client's generated gRPC clients
// to the VectorStore contract, grounded on
// gerrymiller-deep-thinking-agent's pkg/vectorstore/qdrant/store.go (the
// same PointsClient/CollectionsClient + SearchPoints/UpsertPoints shape),
// named as the C3 dense-search backend in SPEC_FULL.md §11.
type QdrantStore struct {
	points      pb.PointsClient
	collections pb.CollectionsClient
	conn        *grpc.ClientConn
	collection  string
	logger      core.Logger
}

// NewQdrantStore dials address (e.g. "localhost:6334") and binds to
// collection by name: SearchSimilar and Upsert address the collection by
// that name. The UUID handle CollectionOf returns is not stored or used
// by this store or by the retriever.
func NewQdrantStore(address, collection string, logger core.Logger) (*QdrantStore, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, core.NewPipelineError("retrieval.NewQdrantStore", core.KindResourceUnavailable, err)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &QdrantStore{
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		conn:        conn,
		collection:  collection,
		logger:      logger,
	}, nil
}

// CollectionOf implements VectorStore: it confirms the collection exists
// and returns a deterministic UUIDv5 handle for it, so the caller can
// cache and reuse a stable ID instead of the mutable name.
func (q *QdrantStore) CollectionOf(ctx context.Context, name string) (string, error) {
	_, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err != nil {
		return "", core.NewPipelineError("retrieval.CollectionOf", core.KindResourceUnavailable, err)
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String(), nil
}

// SearchSimilar implements VectorStore.
func (q *QdrantStore) SearchSimilar(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]VectorMatch, error) {
	req := &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filters) > 0 {
		req.Filter = filterFrom(filters)
	}

	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, core.NewPipelineError("retrieval.SearchSimilar", core.KindResourceUnavailable, err)
	}

	out := make([]VectorMatch, 0, len(resp.Result))
	for _, hit := range resp.Result {
		out = append(out, VectorMatch{
			DocumentID: payloadString(hit.Payload, "document_id"),
			ChunkID:    payloadString(hit.Payload, "chunk_id"),
			Content:    payloadString(hit.Payload, "content"),
			Distance:   1 - float64(hit.Score),
		})
	}
	return out, nil
}

// Upsert implements VectorStore.
func (q *QdrantStore) Upsert(ctx context.Context, collection string, docs []VectorMatch, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("retrieval: docs/embeddings length mismatch")
	}
	points := make([]*pb.PointStruct, 0, len(docs))
	for i, d := range docs {
		points = append(points, &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.New().String()}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: embeddings[i]}}},
			Payload: map[string]*pb.Value{
				"document_id": {Kind: &pb.Value_StringValue{StringValue: d.DocumentID}},
				"chunk_id":    {Kind: &pb.Value_StringValue{StringValue: d.ChunkID}},
				"content":     {Kind: &pb.Value_StringValue{StringValue: d.Content}},
			},
		})
	}
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{CollectionName: collection, Points: points})
	if err != nil {
		return core.NewPipelineError("retrieval.Upsert", core.KindResourceUnavailable, err)
	}
	return nil
}

// Close releases the underlying gRPC connection.
func (q *QdrantStore) Close() error { return q.conn.Close() }

func filterFrom(filters map[string]string) *pb.Filter {
	conds := make([]*pb.Condition, 0, len(filters))
	for k, v := range filters {
		conds = append(conds, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   k,
					Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: v}},
				},
			},
		})
	}
	return &pb.Filter{Must: conds}
}

func payloadString(payload map[string]*pb.Value, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

var _ VectorStore = (*QdrantStore)(nil)
