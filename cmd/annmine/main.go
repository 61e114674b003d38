// Command annmine exercises the announcement store and proof tree end to
// end: it ingests batches of random announcements under a few classes,
// ranks them, builds the per-round commitment and spot-checks an inclusion
// proof. Useful for benchmarking the pipeline and inspecting commitments.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pkt-cash/go-annmine/ann"
	"github.com/pkt-cash/go-annmine/config"
	"github.com/pkt-cash/go-annmine/logging"
	"github.com/pkt-cash/go-annmine/prooftree"
	"github.com/pkt-cash/go-annmine/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.ParseFlags(config.DefaultConfig())
	if err != nil {
		return err
	}
	if cfg, err = config.ReadConfigFile(cfg); err != nil {
		return err
	}

	level := zapcore.InfoLevel
	if cfg.DebugLog {
		level = zapcore.DebugLevel
	}
	logger := logging.New(level, cfg.LogFile, cfg.JSONLog)
	defer logger.Sync()
	ctx := logging.NewContext(context.Background(), logger)

	db := ann.NewDataBuf(cfg.MaxAnns)
	s := store.New(db, store.WithBufSize(cfg.BufSize), store.WithLogger(logger))
	pt := prooftree.New(cfg.MaxAnns, db)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	height := int32(1000)
	var tip ann.Hash
	rng.Read(tip[:])
	s.Block(height, tip)

	for round := 0; round < 3; round++ {
		nextHeight := height + 1

		// Two classes old enough to have cleared the wait period.
		for i, work := range []uint32{0x1c0fffff, 0x1c2fffff} {
			hw := store.HeightWork{Height: height - 3 - int32(i), Work: work}
			chunk := randomChunk(rng, cfg.BufSize/2)
			s.PushAnns(hw, chunk)
		}

		ready := s.ReadyClasses(nextHeight)
		if len(ready) == 0 {
			return fmt.Errorf("no ready classes at height %d", nextHeight)
		}
		set := make([]store.HeightWork, len(ready))
		for i, ci := range ready {
			set[i] = ci.HW
			logger.Info("ready class",
				zap.Int32("height", ci.HW.Height),
				zap.Uint32("effective_work", ci.AnnEffectiveWork),
				zap.Int("anns", ci.AnnCount))
		}

		pt.Reset()
		started := time.Now()
		index, err := s.ComputeTree(ctx, set, pt)
		if err != nil {
			return fmt.Errorf("computing tree: %w", err)
		}
		commit, err := pt.Commit(ready[0].AnnEffectiveWork)
		if err != nil {
			return err
		}
		logger.Info("round committed",
			zap.Int("round", round),
			zap.Int("anns", len(index)),
			zap.String("commit", hex.EncodeToString(commit)),
			zap.Duration("elapsed", time.Since(started)))

		if size := pt.Size(); size >= 4 {
			nums := [4]uint64{0, uint64(size) / 3, uint64(size) / 2, uint64(size) - 1}
			proof, err := pt.MkProof(nums)
			if err != nil {
				return fmt.Errorf("building proof: %w", err)
			}
			root, _ := pt.Root()
			if err := prooftree.VerifyProof(root, size, nums, proof); err != nil {
				return fmt.Errorf("verifying proof: %w", err)
			}
			logger.Info("inclusion proof verified", zap.Int("proof_bytes", len(proof)))
		}

		height++
		rng.Read(tip[:])
		s.Block(height, tip)
	}
	return nil
}

func randomChunk(rng *rand.Rand, n int) store.AnnChunk {
	anns := make([][]byte, n)
	indexes := make([]uint32, n)
	for i := range anns {
		rec := make([]byte, ann.Size)
		rng.Read(rec)
		anns[i] = rec
		indexes[i] = uint32(i)
	}
	return store.AnnChunk{Anns: anns, Indexes: indexes}
}
