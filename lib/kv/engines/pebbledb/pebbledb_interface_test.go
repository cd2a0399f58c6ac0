package pebbledb

import (
	"context"
	"testing"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/kv/kvtest"
)

func Test(t *testing.T) {
	kvtest.RunEngineTests(t, "PebbleDB", func() (kv.IEngine, error) {
		engine := New(Options{Path: t.TempDir(), DisableSync: true})
		for _, schema := range kvtest.TestSchemas() {
			if err := engine.DefineCollection(schema); err != nil {
				return nil, err
			}
		}
		if err := engine.Initialize(context.Background()); err != nil {
			return nil, err
		}
		return engine, nil
	})
}
