// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import (
	"context"
	"sync"
	"time"
)

// fakeClient is a scriptable Client test double. Each call to
// TryPublish/Publish consumes the next scripted outcome for that
// method; once the script is exhausted, calls succeed.
type fakeClient struct {
	mu            sync.Mutex
	tryScript     []error
	publishScript []error
	published     []Publish
	tryCount      int
	publishCount  int
	publishDelay  time.Duration
}

func newFakeClient() *fakeClient {
	return &fakeClient{}
}

func (c *fakeClient) scriptTry(errs ...error) *fakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tryScript = append(c.tryScript, errs...)
	return c
}

func (c *fakeClient) scriptPublish(errs ...error) *fakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishScript = append(c.publishScript, errs...)
	return c
}

func (c *fakeClient) TryPublish(ctx context.Context, p Publish) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, p)
	if c.tryCount < len(c.tryScript) {
		err := c.tryScript[c.tryCount]
		c.tryCount++
		return err
	}
	return nil
}

func (c *fakeClient) Publish(ctx context.Context, p Publish) error {
	c.mu.Lock()
	delay := c.publishDelay
	c.published = append(c.published, p)
	var err error
	if c.publishCount < len(c.publishScript) {
		err = c.publishScript[c.publishCount]
		c.publishCount++
	}
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// withPublishDelay makes every future blocking Publish call sleep delay
// before resolving, giving a test a deterministic window to observe
// state while a publish is still in flight.
func (c *fakeClient) withPublishDelay(delay time.Duration) *fakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishDelay = delay
	return c
}

func (c *fakeClient) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}
