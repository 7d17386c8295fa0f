package model

import (
	"runtime"
	"sync"

	"github.com/Ranack/twit-sentiments/internal/tensor"
)

// attnParallelThreshold is the score count below which heads run serially.
const attnParallelThreshold = 1 << 14

// attnContext holds one layer's projected queries, keys and values for n
// positions laid out as [n, nHead*headDim].
type attnContext struct {
	q, k, v []float32
	attnOut []float32
	n       int
	nHead   int
	headDim int
	scale   float32
}

// selfAttention runs bidirectional scaled dot-product attention over every
// position, splitting heads across goroutines for longer inputs.
func selfAttention(ctx *attnContext) {
	workers := min(runtime.GOMAXPROCS(0), ctx.nHead)
	if workers <= 1 || ctx.n*ctx.n*ctx.nHead < attnParallelThreshold {
		runAttnHeads(ctx, make([]float32, ctx.n), 0, ctx.nHead)
		return
	}
	chunk := (ctx.nHead + workers - 1) / workers
	var wg sync.WaitGroup
	for hs := 0; hs < ctx.nHead; hs += chunk {
		he := min(hs+chunk, ctx.nHead)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runAttnHeads(ctx, make([]float32, ctx.n), hs, he)
		}()
	}
	wg.Wait()
}

func runAttnHeads(ctx *attnContext, scores []float32, hs, he int) {
	stride := ctx.nHead * ctx.headDim
	for h := hs; h < he; h++ {
		off := h * ctx.headDim
		for i := 0; i < ctx.n; i++ {
			qi := ctx.q[i*stride+off : i*stride+off+ctx.headDim]
			for j := 0; j < ctx.n; j++ {
				kj := ctx.k[j*stride+off : j*stride+off+ctx.headDim]
				scores[j] = tensor.Dot(qi, kj) * ctx.scale
			}
			tensor.Softmax(scores[:ctx.n])

			out := ctx.attnOut[i*stride+off : i*stride+off+ctx.headDim]
			clear(out)
			for j := 0; j < ctx.n; j++ {
				w := scores[j]
				vj := ctx.v[j*stride+off : j*stride+off+ctx.headDim]
				for d, vv := range vj {
					out[d] += w * vv
				}
			}
		}
	}
}
