package upload

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/lgulliver/chunkstone/internal/chunks"
	"github.com/lgulliver/chunkstone/internal/session"
	"github.com/lgulliver/chunkstone/internal/storage"
	"github.com/lgulliver/chunkstone/pkg/types"
)

const benchChunkSize = 256 << 10

func setupDiskManager(b *testing.B) *Manager {
	b.Helper()
	chunkDir, err := storage.NewLocalStorage(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	scratch, err := storage.NewLocalStorage(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	objects, err := storage.NewLocalStorage(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	// b.N decides the chunk count, so lift the per-upload limits
	opts := DefaultOptions()
	opts.MaxTotalChunks = 0
	opts.MaxUploadBytes = 0
	return NewManager(session.NewMemoryStore(), chunks.NewBlobStore(chunkDir), scratch, objects, opts)
}

func randomChunk(b *testing.B) []byte {
	data := make([]byte, benchChunkSize)
	if _, err := rand.Read(data); err != nil {
		b.Fatal(err)
	}
	return data
}

func BenchmarkPutChunk(b *testing.B) {
	m := setupDiskManager(b)
	ctx := context.Background()
	data := randomChunk(b)

	s, err := m.InitUpload(ctx, types.InitRequest{Filename: "bench.bin", DeclaredSize: int64(b.N+1) * benchChunkSize, TotalChunks: b.N + 1})
	if err != nil {
		b.Fatal(err)
	}

	b.SetBytes(benchChunkSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.PutChunk(ctx, s.ID, i, bytes.NewReader(data)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPutChunkParallel(b *testing.B) {
	m := setupDiskManager(b)
	ctx := context.Background()
	data := randomChunk(b)

	s, err := m.InitUpload(ctx, types.InitRequest{Filename: "bench.bin", DeclaredSize: int64(b.N+1) * benchChunkSize, TotalChunks: b.N + 1})
	if err != nil {
		b.Fatal(err)
	}

	var mu sync.Mutex
	next := 0
	b.SetBytes(benchChunkSize)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			mu.Lock()
			index := next
			next++
			mu.Unlock()
			if _, err := m.PutChunk(ctx, s.ID, index, bytes.NewReader(data)); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkCompleteUpload(b *testing.B) {
	const total = 16
	m := setupDiskManager(b)
	ctx := context.Background()
	data := randomChunk(b)

	b.SetBytes(total * benchChunkSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		s, err := m.InitUpload(ctx, types.InitRequest{Filename: "bench.bin", DeclaredSize: total * benchChunkSize, TotalChunks: total})
		if err != nil {
			b.Fatal(err)
		}
		for index := 0; index < total; index++ {
			if _, err := m.PutChunk(ctx, s.ID, index, bytes.NewReader(data)); err != nil {
				b.Fatal(err)
			}
		}
		b.StartTimer()

		if _, err := m.CompleteUpload(ctx, s.ID); err != nil {
			b.Fatal(err)
		}
	}
}
