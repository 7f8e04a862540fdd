// Package graph mirrors harvested records into Neo4j as
// (:Manufacturer)-[:HAS_MODEL]->(:VehicleModel)-[:HAS_ENGINE]->(:Engine).
//
// Every write is a MERGE on a deterministic id, so mirroring the same
// records twice leaves the graph unchanged.
package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/wessley-specharvest/engine/catalog"
)

// DefaultBatchSize is how many engines one transaction writes.
const DefaultBatchSize = 200

var schema = []string{
	`CREATE CONSTRAINT manufacturer_name IF NOT EXISTS FOR (n:Manufacturer) REQUIRE n.name IS UNIQUE`,
	`CREATE CONSTRAINT vehicle_model_id IF NOT EXISTS FOR (n:VehicleModel) REQUIRE n.id IS UNIQUE`,
	`CREATE CONSTRAINT engine_id IF NOT EXISTS FOR (n:Engine) REQUIRE n.id IS UNIQUE`,
}

const mergeEngines = `MERGE (mf:Manufacturer {name: $manufacturer})
UNWIND $rows AS row
MERGE (mo:VehicleModel {id: row.model_id})
  SET mo.name = row.model, mo.manufacturer = $manufacturer
MERGE (mf)-[:HAS_MODEL]->(mo)
MERGE (e:Engine {id: row.id})
  SET e.name = row.engine, e.fuel_type = row.fuel_type, e.horsepower = row.horsepower,
      e.image_url = row.image_url, e.source_link = row.source_link, e.specs = row.specs
MERGE (mo)-[:HAS_ENGINE]->(e)`

// Mirror writes records to Neo4j. It satisfies harvest.Sink.
type Mirror struct {
	opener SessionOpener
	batch  int
}

// New creates a Mirror backed by driver.
func New(driver neo4j.DriverWithContext) *Mirror {
	return NewWithOpener(driverOpener{driver})
}

// NewWithOpener creates a Mirror over any session source.
func NewWithOpener(o SessionOpener) *Mirror {
	return &Mirror{opener: o, batch: DefaultBatchSize}
}

// Name identifies the sink in logs.
func (m *Mirror) Name() string { return "neo4j" }

// EnsureSchema creates the uniqueness constraints the MERGEs rely on.
func (m *Mirror) EnsureSchema(ctx context.Context) error {
	sess := m.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	for _, stmt := range schema {
		err := sess.ExecuteWrite(ctx, func(tx CypherRunner) error {
			return tx.Run(ctx, stmt, nil)
		})
		if err != nil {
			return fmt.Errorf("graph: schema: %w", err)
		}
	}
	return nil
}

// Merged upserts records under manufacturer, one transaction per batch.
func (m *Mirror) Merged(ctx context.Context, manufacturer string, records []catalog.Record) error {
	if len(records) == 0 {
		return nil
	}
	sess := m.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	for start := 0; start < len(records); start += m.batch {
		end := min(start+m.batch, len(records))
		rows, err := engineRows(manufacturer, records[start:end])
		if err != nil {
			return err
		}
		err = sess.ExecuteWrite(ctx, func(tx CypherRunner) error {
			return tx.Run(ctx, mergeEngines, map[string]any{"manufacturer": manufacturer, "rows": rows})
		})
		if err != nil {
			return fmt.Errorf("graph: merge %s engines %d-%d: %w", manufacturer, start, end, err)
		}
	}
	return nil
}

func engineRows(manufacturer string, records []catalog.Record) ([]map[string]any, error) {
	rows := make([]map[string]any, 0, len(records))
	for _, r := range records {
		specs, err := json.Marshal(r.Specs)
		if err != nil {
			return nil, fmt.Errorf("graph: encode specs: %w", err)
		}
		var hp any
		if r.Horsepower != nil {
			hp = int64(*r.Horsepower)
		}
		rows = append(rows, map[string]any{
			"id":          r.Key().ID(),
			"model_id":    catalog.Key{Manufacturer: manufacturer, Model: r.ModelName}.ID(),
			"model":       r.ModelName,
			"engine":      r.EngineName,
			"fuel_type":   r.FuelType,
			"horsepower":  hp,
			"image_url":   r.ImageURL,
			"source_link": r.SourceLink,
			"specs":       string(specs),
		})
	}
	return rows, nil
}
