// Package archive keeps the feature vectors of anomalous readings in Qdrant
// so operators can ask which past episodes looked like a current one.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/fleetops/engine/domain"
)

// pointsAPI is the subset of pb.PointsClient used here.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient used here.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Entry is one archived anomalous reading.
type Entry struct {
	ID        string               `json:"id"`
	AssetID   string               `json:"asset_id"`
	Features  domain.FeatureVector `json:"features"`
	Health    float64              `json:"health_score"`
	Severity  domain.Severity      `json:"severity"`
	Score     float64              `json:"anomaly_score"`
	Timestamp time.Time            `json:"timestamp"`
}

// Match is a search hit; Distance is Euclidean in feature space.
type Match struct {
	Entry
	Distance float32 `json:"distance"`
}

// Archive owns one Qdrant collection of feature vectors.
type Archive struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	newID       func() string
}

// New connects to Qdrant's gRPC port at addr.
func New(addr, collection string) (*Archive, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("archive: dial qdrant %s: %w", addr, err)
	}
	a := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection)
	a.conn = conn
	return a, nil
}

// NewWithClients builds an Archive over existing clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *Archive {
	if collection == "" {
		collection = "fleet_anomalies"
	}
	return &Archive{points: points, collections: collections, collection: collection, newID: uuid.NewString}
}

// Close closes the gRPC connection, if this Archive opened one.
func (a *Archive) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// EnsureCollection creates the collection with one dimension per feature.
func (a *Archive) EnsureCollection(ctx context.Context) error {
	list, err := a.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("archive: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == a.collection {
			return nil
		}
	}
	_, err = a.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: a.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(domain.FeatureArity),
					Distance: pb.Distance_Euclid,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("archive: create collection %s: %w", a.collection, err)
	}
	return nil
}

func toVector(fv domain.FeatureVector) []float32 {
	out := make([]float32, len(fv))
	for i, v := range fv {
		out[i] = float32(v)
	}
	return out
}

func str(v string) *pb.Value    { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}} }
func num(v float64) *pb.Value   { return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: v}} }
func integer(v int64) *pb.Value { return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: v}} }

// Store archives one entry and returns its point ID.
func (a *Archive) Store(ctx context.Context, e Entry) (string, error) {
	if err := e.Features.Validate(); err != nil {
		return "", err
	}
	if e.ID == "" {
		e.ID = a.newID()
	}
	wait := true
	_, err := a.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: a.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: e.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: toVector(e.Features)},
			}},
			Payload: map[string]*pb.Value{
				"asset_id":  str(e.AssetID),
				"health":    num(e.Health),
				"severity":  str(string(e.Severity)),
				"score":     num(e.Score),
				"timestamp": integer(e.Timestamp.UnixMilli()),
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("archive: upsert %s: %w", e.AssetID, err)
	}
	return e.ID, nil
}

// Similar returns up to k archived entries nearest to fv. A non-empty
// assetID restricts the search to that asset's history.
func (a *Archive) Similar(ctx context.Context, fv domain.FeatureVector, k int, assetID string) ([]Match, error) {
	if err := fv.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 || k > 100 {
		k = 10
	}
	req := &pb.SearchPoints{
		CollectionName: a.collection,
		Vector:         toVector(fv),
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
	}
	if assetID != "" {
		req.Filter = &pb.Filter{Must: []*pb.Condition{assetMatch(assetID)}}
	}
	resp, err := a.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	out := make([]Match, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		pl := p.GetPayload()
		m := Match{
			Entry: Entry{
				ID:        p.GetId().GetUuid(),
				AssetID:   pl["asset_id"].GetStringValue(),
				Health:    pl["health"].GetDoubleValue(),
				Severity:  domain.Severity(pl["severity"].GetStringValue()),
				Score:     pl["score"].GetDoubleValue(),
				Timestamp: time.UnixMilli(pl["timestamp"].GetIntegerValue()).UTC(),
			},
			Distance: p.GetScore(),
		}
		for _, v := range p.GetVectors().GetVector().GetData() {
			m.Features = append(m.Features, float64(v))
		}
		out = append(out, m)
	}
	return out, nil
}

// Forget removes an asset's history.
func (a *Archive) Forget(ctx context.Context, assetID string) error {
	wait := true
	_, err := a.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: a.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{assetMatch(assetID)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("archive: forget %s: %w", assetID, err)
	}
	return nil
}

func assetMatch(assetID string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   "asset_id",
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: assetID}},
			},
		},
	}
}
