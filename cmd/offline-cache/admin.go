package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/wolfeidau/offline-cache/store/cachestore"
	"github.com/wolfeidau/offline-cache/store/queue"
)

// QueueCmd groups the offline queue commands. They open the database
// directly, so the server must not be running.
type QueueCmd struct {
	List  QueueListCmd  `cmd:"" help:"Print queued records as JSON."`
	Prune QueuePruneCmd `cmd:"" help:"Delete records that have been synced."`
}

type QueueListCmd struct {
	Unsynced  bool `help:"Only records still waiting for replay."`
	Equipment bool `help:"Include the equipment rows of each record."`
}

type listedRecord struct {
	queue.Record
	Equipment []queue.EquipmentRow `json:"equipment,omitempty"`
}

func (c *QueueListCmd) Run(rt *runtime) error {
	ctx := context.Background()
	q, closeDB, err := openQueue(rt)
	if err != nil {
		return err
	}
	defer closeDB()

	var records []queue.Record
	if c.Unsynced {
		records, err = q.ListUnsynced(ctx)
	} else {
		records, err = q.List(ctx)
	}
	if err != nil {
		return err
	}

	out := make([]listedRecord, 0, len(records))
	for _, rec := range records {
		lr := listedRecord{Record: rec}
		if c.Equipment {
			if lr.Equipment, err = q.ListEquipment(ctx, rec.ID); err != nil {
				return err
			}
		}
		out = append(out, lr)
	}
	return printJSON(out)
}

type QueuePruneCmd struct{}

func (c *QueuePruneCmd) Run(rt *runtime) error {
	q, closeDB, err := openQueue(rt)
	if err != nil {
		return err
	}
	defer closeDB()

	n, err := q.PruneSynced(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d synced records\n", n)
	return nil
}

// CacheCmd groups the cache store commands.
type CacheCmd struct {
	Stats CacheStatsCmd `cmd:"" help:"Print cache statistics as JSON."`
	Purge CachePurgeCmd `cmd:"" help:"Delete cached entries of other versions."`
}

type CacheStatsCmd struct{}

func (c *CacheStatsCmd) Run(rt *runtime) error {
	cache, closeDB, err := openCache(rt)
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := cache.Stats(context.Background())
	if err != nil {
		return err
	}
	return printJSON(stats)
}

type CachePurgeCmd struct {
	All bool `help:"Also delete entries of the configured cache.version."`
}

func (c *CachePurgeCmd) Run(rt *runtime) error {
	cache, closeDB, err := openCache(rt)
	if err != nil {
		return err
	}
	defer closeDB()

	keep := rt.cfg.Cache.Version
	if c.All {
		keep = ""
	}
	n, err := cache.PurgeGenerationsExcept(context.Background(), keep)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d cache entries\n", n)
	return nil
}

func openQueue(rt *runtime) (*queue.Queue, func(), error) {
	db, err := rt.openDB()
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.New(db.Bolt(), queue.WithLogger(rt.logger))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return q, func() { _ = db.Close() }, nil
}

func openCache(rt *runtime) (*cachestore.BoltStore, func(), error) {
	db, err := rt.openDB()
	if err != nil {
		return nil, nil, err
	}
	cache, err := cachestore.New(db.Bolt(), cachestore.WithLogger(rt.logger))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return cache, func() {
		_ = cache.Close()
		_ = db.Close()
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
