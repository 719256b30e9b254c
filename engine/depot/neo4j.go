package depot

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/pkg/repo"
)

// trackRepo is the subset of repo.Neo4jRepo the graph store uses.
type trackRepo interface {
	Get(ctx context.Context, uid string) (trackNode, error)
	Update(ctx context.Context, t trackNode) (trackNode, error)
	List(ctx context.Context, opts repo.ListOpts) ([]trackNode, error)
	Query(ctx context.Context, cypher string, params map[string]any, each func(*neo4j.Record) error) error
	Exec(ctx context.Context, cypher string, params map[string]any, each func(*neo4j.Record) error) error
	Batch(ctx context.Context, stmts []repo.Statement) error
}

// trackNode is a Track as stored: scoped to its depot and ordered by Seq.
type trackNode struct {
	Track
	DepotID string
	Seq     int64
}

func trackUID(depotID, trackID string) string { return depotID + "/" + trackID }

// GraphStore keeps layouts in Neo4j as
// (:Depot)-[:HAS_TRACK]->(:Track) and (:Depot)-[:HAS_SWITCH]->(:Switch)-[:CONNECTS]->(:Track).
type GraphStore struct {
	tracks trackRepo
}

// NewGraphStore creates a Neo4j-backed layout store.
func NewGraphStore(driver neo4j.DriverWithContext, database string) *GraphStore {
	return &GraphStore{tracks: repo.NewNeo4jRepo[trackNode, string](
		driver,
		"Track",
		trackToMap,
		trackFromRecord,
		repo.WithIDKey[trackNode, string]("uid"),
		repo.WithDatabase[trackNode, string](database),
	)}
}

func trackToMap(t trackNode) map[string]any {
	return map[string]any{
		"uid":             trackUID(t.DepotID, t.ID),
		"id":              t.ID,
		"depot_id":        t.DepotID,
		"seq":             t.Seq,
		"type":            string(t.Type),
		"capacity":        int64(t.Capacity),
		"status":          string(t.Status),
		"distance_metres": t.DistanceMetres,
	}
}

func trackFromRecord(rec *neo4j.Record) (trackNode, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return trackNode{}, err
	}
	p := node.Props
	return trackNode{
		Track: Track{
			ID:             strProp(p, "id"),
			Type:           TrackType(strProp(p, "type")),
			Capacity:       int(intProp(p, "capacity")),
			Status:         TrackStatus(strProp(p, "status")),
			DistanceMetres: floatProp(p, "distance_metres"),
		},
		DepotID: strProp(p, "depot_id"),
		Seq:     intProp(p, "seq"),
	}, nil
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func intProp(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func (s *GraphStore) exists(ctx context.Context, depotID string) (string, bool, error) {
	var (
		name  string
		found bool
	)
	err := s.tracks.Query(ctx, `MATCH (d:Depot {id: $depot}) RETURN d.name AS name`,
		map[string]any{"depot": depotID}, func(rec *neo4j.Record) error {
			found = true
			if v, ok := rec.Get("name"); ok {
				name, _ = v.(string)
			}
			return nil
		})
	return name, found, err
}

func (s *GraphStore) Load(ctx context.Context, depotID string) (Layout, error) {
	if err := checkDepotID(depotID); err != nil {
		return Layout{}, err
	}
	name, ok, err := s.exists(ctx, depotID)
	if err != nil {
		return Layout{}, err
	}
	if !ok {
		return Layout{}, fmt.Errorf("depot %s: %w", depotID, domain.ErrNotFound)
	}

	nodes, err := s.tracks.List(ctx, repo.ListOpts{Limit: 10000, Filter: map[string]any{"depot_id": depotID}})
	if err != nil {
		return Layout{}, err
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Seq < nodes[j].Seq })
	l := Layout{DepotID: depotID, Name: name}
	for _, n := range nodes {
		l.Tracks = append(l.Tracks, n.Track)
	}

	cypher := `MATCH (s:Switch {depot_id: $depot})-[c:CONNECTS]->(t:Track)
		WITH s, t ORDER BY s.seq, c.position
		WITH s, collect(t.id) AS tracks
		RETURN s.id AS id, tracks ORDER BY s.seq`
	err = s.tracks.Query(ctx, cypher, map[string]any{"depot": depotID}, func(rec *neo4j.Record) error {
		idVal, _ := rec.Get("id")
		id, ok := idVal.(string)
		if !ok {
			return fmt.Errorf("switch without id in depot %s", depotID)
		}
		rawVal, _ := rec.Get("tracks")
		raw, _ := rawVal.([]any)
		sw := Switch{ID: id}
		for _, v := range raw {
			if tid, ok := v.(string); ok {
				sw.Tracks = append(sw.Tracks, tid)
			}
		}
		l.Switches = append(l.Switches, sw)
		return nil
	})
	if err != nil {
		return Layout{}, err
	}
	if err := l.Validate(); err != nil {
		return Layout{}, fmt.Errorf("stored depot %s: %w", depotID, err)
	}
	return l, nil
}

// Create writes the whole layout in one transaction.
func (s *GraphStore) Create(ctx context.Context, l Layout) error {
	if err := checkDepotID(l.DepotID); err != nil {
		return err
	}
	if err := l.Validate(); err != nil {
		return err
	}
	_, ok, err := s.exists(ctx, l.DepotID)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("depot %s: %w", l.DepotID, ErrExists)
	}
	return s.tracks.Batch(ctx, layoutStatements(l))
}

func layoutStatements(l Layout) []repo.Statement {
	tracks := make([]map[string]any, len(l.Tracks))
	for i, t := range l.Tracks {
		tracks[i] = trackToMap(trackNode{Track: t, DepotID: l.DepotID, Seq: int64(i)})
	}
	switches := make([]map[string]any, len(l.Switches))
	for i, sw := range l.Switches {
		uids := make([]any, len(sw.Tracks))
		for j, tid := range sw.Tracks {
			uids[j] = trackUID(l.DepotID, tid)
		}
		switches[i] = map[string]any{
			"uid":    l.DepotID + "/" + sw.ID,
			"id":     sw.ID,
			"seq":    int64(i),
			"tracks": uids,
		}
	}
	return []repo.Statement{
		{
			Cypher: `MERGE (d:Depot {id: $depot}) SET d.name = $name`,
			Params: map[string]any{"depot": l.DepotID, "name": l.Name},
		},
		{
			Cypher: `MATCH (d:Depot {id: $depot})
				UNWIND $tracks AS props
				MERGE (t:Track {uid: props.uid}) SET t += props
				MERGE (d)-[:HAS_TRACK]->(t)`,
			Params: map[string]any{"depot": l.DepotID, "tracks": tracks},
		},
		{
			Cypher: `MATCH (d:Depot {id: $depot})
				UNWIND $switches AS sw
				MERGE (s:Switch {uid: sw.uid})
				SET s.id = sw.id, s.depot_id = $depot, s.seq = sw.seq
				MERGE (d)-[:HAS_SWITCH]->(s)
				WITH s, sw
				UNWIND range(0, size(sw.tracks) - 1) AS i
				MATCH (t:Track {uid: sw.tracks[i]})
				MERGE (s)-[c:CONNECTS]->(t) SET c.position = i`,
			Params: map[string]any{"depot": l.DepotID, "switches": switches},
		},
	}
}

func (s *GraphStore) UpdateTrackStatus(ctx context.Context, depotID, trackID string, status TrackStatus) error {
	if !validStatuses[status] {
		return domain.NewValidationError("status", string(status), domain.ErrOutOfRange)
	}
	t, err := s.tracks.Get(ctx, trackUID(depotID, trackID))
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("track %s/%s: %w", depotID, trackID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	t.Status = status
	_, err = s.tracks.Update(ctx, t)
	return err
}

func (s *GraphStore) Delete(ctx context.Context, depotID string) error {
	cypher := `MATCH (d:Depot {id: $depot})
		WITH d, d.id AS id
		OPTIONAL MATCH (d)-[:HAS_TRACK|HAS_SWITCH]->(x)
		DETACH DELETE x, d
		RETURN count(DISTINCT id) AS deleted`
	var deleted int64
	err := s.tracks.Exec(ctx, cypher, map[string]any{"depot": depotID}, func(rec *neo4j.Record) error {
		if v, ok := rec.Get("deleted"); ok {
			deleted, _ = v.(int64)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return fmt.Errorf("depot %s: %w", depotID, domain.ErrNotFound)
	}
	return nil
}

var _ Store = (*GraphStore)(nil)
