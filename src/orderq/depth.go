package orderq

import "context"

// Depths returns the element count of each named collection, 0 for keys that
// are missing or not a list, set or sorted set.
func (o *OrderqOps) Depths(ctx context.Context, keys ...string) ([]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, k)
	}

	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Depths, len(keys), args...)
	if err != nil {
		return nil, err
	}

	arr, ok := asAnySlice(res)
	if !ok || len(arr) != len(keys) {
		return nil, unexpected("DEPTHS", res)
	}

	out := make([]int64, 0, len(arr))
	for _, v := range arr {
		n, err := toInt64(v)
		if err != nil {
			return nil, unexpected("DEPTHS", res)
		}
		out = append(out, n)
	}
	return out, nil
}

type QueueDepths struct {
	Work       int64 `json:"work"`
	Locked     int64 `json:"locked"`
	Invisible  int64 `json:"invisible"`
	Retry      int64 `json:"retry"`
	Terminated int64 `json:"terminated"`
	Output     int64 `json:"output"`
}

// Pending counts jobs not yet resolved by a consumer.
func (d QueueDepths) Pending() int64 {
	return d.Work + d.Locked + d.Invisible + d.Retry
}

// Total adds the promoted jobs to Pending.
func (d QueueDepths) Total() int64 {
	return d.Pending() + d.Output
}

// SampleDepths measures the fixed collections of a queue plus the locking
// buffers of the given consumers.
func (o *OrderqOps) SampleDepths(ctx context.Context, queue string, consumerIDs ...string) (QueueDepths, error) {
	k := KeysFor(queue)
	keys := []string{k.Work, k.Invisible, k.Retry, k.Terminated, k.Output}
	for _, id := range consumerIDs {
		keys = append(keys, k.Lock(id))
	}

	n, err := o.Depths(ctx, keys...)
	if err != nil {
		return QueueDepths{}, err
	}

	d := QueueDepths{Work: n[0], Invisible: n[1], Retry: n[2], Terminated: n[3], Output: n[4]}
	for _, v := range n[5:] {
		d.Locked += v
	}
	return d, nil
}
