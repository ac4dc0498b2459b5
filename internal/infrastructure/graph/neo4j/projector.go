// Package neo4j projects document/tag associations into a graph so that
// operators can explore documents sharing tags.
package neo4j

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type statement struct {
	cypher string
	params map[string]any
}

// runner executes statements in one write transaction.
type runner interface {
	runWrite(ctx context.Context, statements []statement) error
}

type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

type Projector struct {
	driver neo4j.DriverWithContext
	runner runner
}

func Connect(ctx context.Context, cfg Config) (*Projector, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Projector{
		driver: driver,
		runner: driverRunner{driver: driver, database: cfg.Database},
	}, nil
}

func (p *Projector) Close(ctx context.Context) error {
	if p.driver == nil {
		return nil
	}
	return p.driver.Close(ctx)
}

func (p *Projector) EnsureConstraints(ctx context.Context) error {
	return p.runner.runWrite(ctx, []statement{
		{cypher: "CREATE CONSTRAINT document_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE"},
		{cypher: "CREATE CONSTRAINT tag_name IF NOT EXISTS FOR (t:Tag) REQUIRE t.name IS UNIQUE"},
	})
}

// ProjectTags replaces the TAGGED edges of a document with tags.
func (p *Projector) ProjectTags(ctx context.Context, documentID int64, title string, tags []string) error {
	names := make([]any, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			names = append(names, tag)
		}
	}
	err := p.runner.runWrite(ctx, []statement{
		{
			cypher: "MERGE (d:Document {id: $id}) SET d.title = $title",
			params: map[string]any{"id": documentID, "title": title},
		},
		{
			cypher: "MATCH (:Document {id: $id})-[r:TAGGED]->(:Tag) DELETE r",
			params: map[string]any{"id": documentID},
		},
		{
			cypher: `MATCH (d:Document {id: $id})
UNWIND $tags AS name
MERGE (t:Tag {name: name})
MERGE (d)-[:TAGGED]->(t)`,
			params: map[string]any{"id": documentID, "tags": names},
		},
	})
	if err != nil {
		return fmt.Errorf("project tags of document %d: %w", documentID, err)
	}
	return nil
}

type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (r driverRunner) runWrite(ctx context.Context, statements []statement) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: r.database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range statements {
			result, err := tx.Run(ctx, st.cypher, st.params)
			if err != nil {
				return nil, err
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}
