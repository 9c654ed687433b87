package dataset

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/canopy/internal/nn"
)

// Batch is a stacked group of samples.
type Batch struct {
	Index  int
	Names  []string
	Images *nn.Tensor
	Masks  *nn.Tensor
}

// Size is the number of samples in b.
func (b Batch) Size() int { return len(b.Names) }

// Loader batches a Dataset with background workers. Batches are delivered in
// order; at most 2×Workers batches are in flight ahead of the consumer.
type Loader struct {
	Dataset   *Dataset
	BatchSize int
	Shuffle   bool
	Workers   int
	Seed      int64
}

// Len is the number of batches per epoch, the last one possibly short.
func (l *Loader) Len() int {
	if l.BatchSize <= 0 {
		return 0
	}
	return (l.Dataset.Len() + l.BatchSize - 1) / l.BatchSize
}

func (l *Loader) order(epoch int) []int {
	n := l.Dataset.Len()
	if !l.Shuffle {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	return rand.New(rand.NewSource(l.Seed + int64(epoch))).Perm(n)
}

// Batches streams one epoch. The channel closes when the epoch is complete
// or the loader fails; wait then reports the first error. Callers that stop
// reading early must cancel ctx.
func (l *Loader) Batches(ctx context.Context, epoch int) (<-chan Batch, func() error) {
	out := make(chan Batch)
	if l.BatchSize <= 0 {
		close(out)
		return out, func() error { return fmt.Errorf("batch size must be positive, got %d", l.BatchSize) }
	}

	workers := max(l.Workers, 1)
	order := l.order(epoch)
	nb := l.Len()

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan int)
	slots := make([]chan Batch, nb)
	for i := range slots {
		slots[i] = make(chan Batch, 1)
	}
	sem := make(chan struct{}, 2*workers)

	g.Go(func() error {
		defer close(jobs)
		for j := 0; j < nb; j++ {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- j:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for range workers {
		g.Go(func() error {
			for j := range jobs {
				lo := j * l.BatchSize
				hi := min(lo+l.BatchSize, len(order))
				b, err := l.load(j, order[lo:hi], epoch)
				if err != nil {
					return fmt.Errorf("batch %d: %w", j, err)
				}
				slots[j] <- b
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(out)
		for j := 0; j < nb; j++ {
			var b Batch
			select {
			case b = <-slots[j]:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case out <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
			<-sem
		}
		return nil
	})

	return out, g.Wait
}

func (l *Loader) load(j int, indices []int, epoch int) (Batch, error) {
	images := make([]*nn.Tensor, len(indices))
	masks := make([]*nn.Tensor, len(indices))
	names := make([]string, len(indices))
	for k, i := range indices {
		s, err := l.Dataset.Get(i, sampleRNG(l.Seed, epoch, i))
		if err != nil {
			return Batch{}, err
		}
		images[k], masks[k], names[k] = s.Image, s.Mask, s.Name
	}
	imgs, err := nn.Stack(images)
	if err != nil {
		return Batch{}, err
	}
	ms, err := nn.Stack(masks)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Index: j, Names: names, Images: imgs, Masks: ms}, nil
}
