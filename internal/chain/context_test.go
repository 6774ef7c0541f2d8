package chain

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type fakeContext struct {
	ChainContext

	hasTxCalls   int
	confirmAfter int
	hasTxErr     error
}

func (f *fakeContext) HasTx(_ context.Context, _ string) (bool, error) {
	f.hasTxCalls++
	if f.hasTxErr != nil {
		return false, f.hasTxErr
	}
	return f.hasTxCalls >= f.confirmAfter, nil
}

func TestWaitForTxConfirms(t *testing.T) {
	cc := &fakeContext{confirmAfter: 3}

	err := waitForTx(context.Background(), cc, "deadbeef", time.Millisecond, 10)
	if err != nil {
		t.Fatalf("waitForTx() = %v; want nil", err)
	}
	if cc.hasTxCalls != 3 {
		t.Errorf("HasTx called %d times; want 3", cc.hasTxCalls)
	}
}

func TestWaitForTxExhaustsRetries(t *testing.T) {
	cc := &fakeContext{confirmAfter: 100}

	err := waitForTx(context.Background(), cc, "deadbeef", time.Millisecond, 4)
	if !errors.Is(err, ErrTxNotConfirmed) {
		t.Fatalf("waitForTx() = %v; want ErrTxNotConfirmed", err)
	}
	if cc.hasTxCalls != 4 {
		t.Errorf("HasTx called %d times; want 4", cc.hasTxCalls)
	}
}

func TestWaitForTxSurfacesErrors(t *testing.T) {
	boom := errors.New("backend exploded")
	cc := &fakeContext{hasTxErr: boom}

	err := waitForTx(context.Background(), cc, "deadbeef", time.Millisecond, 10)
	if !errors.Is(err, boom) {
		t.Fatalf("waitForTx() = %v; want wrapped backend error", err)
	}
	if cc.hasTxCalls != 1 {
		t.Errorf("HasTx called %d times; want 1", cc.hasTxCalls)
	}
}

func TestWaitForTxHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cc := &fakeContext{confirmAfter: 1}

	err := waitForTx(ctx, cc, "deadbeef", time.Hour, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("waitForTx() = %v; want context.Canceled", err)
	}
	if cc.hasTxCalls != 0 {
		t.Errorf("HasTx called %d times; want 0", cc.hasTxCalls)
	}
}
