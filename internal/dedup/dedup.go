// Package dedup identifies records with identical content using a cheap
// two-tier scheme: a head/tail signature computed for every file during
// classification, escalated to a full content hash only for files whose
// signatures collide.
package dedup

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/ferebee/beachcomb/internal/checksum"
	"github.com/ferebee/beachcomb/internal/classify"
	"github.com/ferebee/beachcomb/internal/record"
	"github.com/ferebee/beachcomb/internal/tools"
)

// Signature block sizes per mode. Heavy mode reads more of each file, which
// costs I/O but shrinks the collision pool that needs full hashing.
const (
	blockSizeLight = 256 * 1024
	blockSizeHeavy = 1024 * 1024
)

// BlockSize returns the head/tail block size for the given analysis mode.
func BlockSize(mode string) int {
	if mode == classify.ModeHeavy {
		return blockSizeHeavy
	}
	return blockSizeLight
}

// fastHash is a short, fast fingerprint; it shortlists candidates and is
// never trusted for equality on its own.
func fastHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// Signature computes the cheap content signature of path:
// "size:hash(head):hash(tail)". The tail block is empty for files no larger
// than one block.
func Signature(path string, blockSize int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("dedup: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("dedup: stat %s: %w", path, err)
	}
	size := info.Size()

	head := make([]byte, blockSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("dedup: read head %s: %w", path, err)
	}
	head = head[:n]

	var tail []byte
	if size > int64(blockSize) {
		tail = make([]byte, blockSize)
		m, err := f.ReadAt(tail, size-int64(blockSize))
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("dedup: read tail %s: %w", path, err)
		}
		tail = tail[:m]
	}

	return fmt.Sprintf("%d:%s:%s", size, fastHash(head), fastHash(tail)), nil
}

// Options configure the full-hash escalation stage.
type Options struct {
	// Workers bounds the parallel hashing pool.
	Workers int
	// UseB3 prefers an external b3sum over SHA-256 when installed.
	UseB3 bool
	// Logger receives per-file hash failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// Apply marks duplicates in place. Records are grouped by signature; groups
// of one are presumed unique. Larger groups get full content hashes in
// parallel, are sub-grouped by hash, and within each hash group the
// earliest-discovered record becomes the keeper; every other member's
// DuplicateOf is set to the keeper's source path. Records whose hash could
// not be computed are left unmarked.
func Apply(ctx context.Context, recs []*record.Record, opt Options) {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opt.Workers / 2
	if workers < 1 {
		workers = 1
	}

	bySig := make(map[string][]int)
	for i, r := range recs {
		bySig[r.Sig] = append(bySig[r.Sig], i)
	}

	var collisions []int
	for _, idxs := range bySig {
		if len(idxs) > 1 {
			collisions = append(collisions, idxs...)
		}
	}
	if len(collisions) == 0 {
		return
	}

	useB3 := opt.UseB3 && tools.Have("b3sum")

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, i := range collisions {
		i := i
		g.Go(func() error {
			h, err := fullHash(gCtx, recs[i].SourcePath, useB3)
			if err != nil {
				logger.Warn("dedup: full hash failed",
					slog.String("path", recs[i].SourcePath),
					slog.String("error", err.Error()))
				return nil
			}
			recs[i].FullHash = h
			return nil
		})
	}
	_ = g.Wait()

	for _, idxs := range bySig {
		if len(idxs) < 2 {
			continue
		}
		byFull := make(map[string][]int)
		for _, i := range idxs {
			if recs[i].FullHash == "" {
				continue
			}
			byFull[recs[i].FullHash] = append(byFull[recs[i].FullHash], i)
		}
		for _, group := range byFull {
			keeper := group[0]
			for _, i := range group[1:] {
				if i < keeper {
					keeper = i
				}
			}
			for _, i := range group {
				if i != keeper {
					recs[i].DuplicateOf = recs[keeper].SourcePath
				}
			}
		}
	}
}

var opensslDigest = regexp.MustCompile(`= ([0-9a-fA-F]+)`)

// fullHash computes the cryptographic content hash of path. External
// hashers are preferred when present (they are measurably faster on large
// files); the in-process SHA-256 is the always-available fallback.
func fullHash(ctx context.Context, path string, useB3 bool) (string, error) {
	if useB3 {
		rc, out, _ := tools.Run(ctx, time.Hour, "b3sum", path)
		if rc == 0 {
			if fields := strings.Fields(out); len(fields) > 0 {
				return strings.ToLower(fields[0]), nil
			}
		}
	}
	if tools.Have("openssl") {
		rc, out, _ := tools.Run(ctx, time.Hour, "openssl", "dgst", "-sha256", path)
		if rc == 0 {
			if m := opensslDigest.FindStringSubmatch(out); m != nil {
				return strings.ToLower(m[1]), nil
			}
		}
	}

	return checksum.File(path)
}
