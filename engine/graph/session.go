package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// CypherRunner runs one statement inside a transaction.
type CypherRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) error
}

// CypherSession is a write session.
type CypherSession interface {
	ExecuteWrite(ctx context.Context, work func(tx CypherRunner) error) error
	Close(ctx context.Context) error
}

// SessionOpener opens sessions; the driver in production, a fake in tests.
type SessionOpener interface {
	OpenSession(ctx context.Context) CypherSession
}

type driverOpener struct{ driver neo4j.DriverWithContext }

func (o driverOpener) OpenSession(ctx context.Context) CypherSession {
	return driverSession{o.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})}
}

type driverSession struct{ sess neo4j.SessionWithContext }

func (s driverSession) ExecuteWrite(ctx context.Context, work func(tx CypherRunner) error) error {
	_, err := s.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, work(managedTx{tx})
	})
	return err
}

func (s driverSession) Close(ctx context.Context) error { return s.sess.Close(ctx) }

type managedTx struct{ tx neo4j.ManagedTransaction }

func (t managedTx) Run(ctx context.Context, cypher string, params map[string]any) error {
	res, err := t.tx.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}
