// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package egress optionally caps the bandwidth of blocking MQTT
// publishes (every publish in direct mode, plus the stalled and
// catch-up publishes of the spooling modes) with a token-bucket
// limiter, the same technique this agent's upload paths use elsewhere
// — repointed here at blocking publishes instead of a file writer.
package egress

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-uplink/internal/uplink"
)

// maxBurstBytes bounds a single reservation so one oversized publish
// can't demand an enormous token-bucket burst.
const maxBurstBytes = 256 * 1024

// ThrottledClient wraps an uplink.Client, rate-limiting the blocking
// Publish path by payload byte size. TryPublish passes through
// unthrottled — it never blocks, and throttling it would turn a
// non-blocking contract into a blocking one.
type ThrottledClient struct {
	uplink.Client
	limiter *rate.Limiter
}

// Wrap returns client unchanged if bytesPerSec <= 0 (bypass, matching
// the ThrottledWriter convention); otherwise wraps it with a
// rate.Limiter sized at bytesPerSec with a burst capped at
// maxBurstBytes.
func Wrap(client uplink.Client, bytesPerSec int64) uplink.Client {
	if bytesPerSec <= 0 {
		return client
	}
	burst := int(bytesPerSec)
	if burst > maxBurstBytes {
		burst = maxBurstBytes
	}
	return &ThrottledClient{
		Client:  client,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
	}
}

// Publish reserves tokens for len(p.Payload), splitting the
// reservation into burst-sized chunks for payloads larger than the
// configured burst, then delegates to the wrapped client.
func (t *ThrottledClient) Publish(ctx context.Context, p uplink.Publish) error {
	remaining := len(p.Payload)
	for remaining > 0 {
		chunk := remaining
		if chunk > t.limiter.Burst() {
			chunk = t.limiter.Burst()
		}
		if err := t.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		remaining -= chunk
	}
	return t.Client.Publish(ctx, p)
}
