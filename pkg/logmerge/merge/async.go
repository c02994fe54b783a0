package merge

import (
	"context"

	"github.com/olif/logmerge/pkg/logmerge"
	"github.com/olif/logmerge/pkg/logmerge/record"
)

type asyncSource struct {
	src logmerge.Source
}

// Async lets a blocking source take part in a concurrent merge
func Async(src logmerge.Source) logmerge.AsyncSource {
	return asyncSource{src: src}
}

// AsyncAll adapts every source with Async
func AsyncAll(sources []logmerge.Source) []logmerge.AsyncSource {
	out := make([]logmerge.AsyncSource, len(sources))
	for i, src := range sources {
		out[i] = Async(src)
	}
	return out
}

func (a asyncSource) PopAsync(ctx context.Context) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.src.Pop()
}
