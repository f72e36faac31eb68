// Package qdrant implements a pathmemory.Index on Qdrant. Signatures are
// stored as feature-hashed step vectors so a similarity search returns the
// candidates the service then re-ranks by exact Jaccard similarity.
package qdrant

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jllopis/synod/pkg/pathmemory"
)

const (
	// Dimensions of the step vectors.
	Dimensions = 128
	// DefaultLimit caps the number of candidates returned per query.
	DefaultLimit = 64

	payloadTarget = "target"
	payloadKind   = "kind"
	payloadHash   = "hash"
)

var pointNamespace = uuid.MustParse("6f1c7a4e-8a53-4c1e-9a4f-2f6d0e3b9c11")

// Index stores path signatures in a Qdrant collection.
type Index struct {
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	limit       int
	conn        *grpc.ClientConn
}

// Option configures an Index.
type Option func(*Index)

// WithLimit sets how many candidates a query may return.
func WithLimit(limit int) Option {
	return func(i *Index) {
		if limit > 0 {
			i.limit = limit
		}
	}
}

// New connects to Qdrant's gRPC endpoint at addr.
func New(addr, collection string, opts ...Option) (*Index, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("did not connect: %v", err)
	}
	idx := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, opts...)
	idx.conn = conn
	return idx, nil
}

// NewWithClients builds an Index over existing gRPC clients.
func NewWithClients(points pb.PointsClient, collections pb.CollectionsClient, collection string, opts ...Option) *Index {
	idx := &Index{
		points:      points,
		collections: collections,
		collection:  collection,
		limit:       DefaultLimit,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Close releases the gRPC connection when the index owns one.
func (i *Index) Close() error {
	if i.conn == nil {
		return nil
	}
	return i.conn.Close()
}

// EnsureCollection creates the collection when it does not exist.
func (i *Index) EnsureCollection(ctx context.Context) error {
	resp, err := i.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: i.collection})
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if resp.GetResult().GetExists() {
		return nil
	}
	_, err = i.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: i.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     Dimensions,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Add upserts the signature's step vector.
func (i *Index) Add(ctx context.Context, target string, kind pathmemory.Kind, sig pathmemory.Signature) error {
	wait := true
	_, err := i.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: i.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(target, kind, sig.Hash)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: StepVector(sig.Steps)},
				},
			},
			Payload: map[string]*pb.Value{
				payloadTarget: stringValue(target),
				payloadKind:   stringValue(string(kind)),
				payloadHash:   stringValue(sig.Hash),
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// Candidates returns the hashes of the nearest signatures stored under target and kind.
func (i *Index) Candidates(ctx context.Context, target string, kind pathmemory.Kind, sig pathmemory.Signature) ([]string, error) {
	resp, err := i.points.Search(ctx, &pb.SearchPoints{
		CollectionName: i.collection,
		Vector:         StepVector(sig.Steps),
		Limit:          uint64(i.limit),
		Filter: &pb.Filter{
			Must: []*pb.Condition{
				keywordCondition(payloadTarget, target),
				keywordCondition(payloadKind, string(kind)),
			},
		},
		WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}
	hashes := make([]string, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		if h := r.GetPayload()[payloadHash].GetStringValue(); h != "" {
			hashes = append(hashes, h)
		}
	}
	return hashes, nil
}

// StepVector feature-hashes the distinct steps into a fixed-size vector.
// The last component is a constant bias so the vector is never zero.
func StepVector(steps []string) []float32 {
	vec := make([]float32, Dimensions)
	seen := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		if _, ok := seen[step]; ok {
			continue
		}
		seen[step] = struct{}{}
		h := fnv.New32a()
		h.Write([]byte(step))
		vec[h.Sum32()%(Dimensions-1)] += 1
	}
	vec[Dimensions-1] = 0.01
	return vec
}

// PointID derives a stable point id so re-recording a signature overwrites its point.
func PointID(target string, kind pathmemory.Kind, hash string) string {
	return uuid.NewSHA1(pointNamespace, []byte(target+"\x00"+string(kind)+"\x00"+hash)).String()
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
