package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/tether/internal/ipc/wire"
	"github.com/GriffinCanCode/tether/internal/logging"
	"github.com/GriffinCanCode/tether/internal/monitoring"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	return NewRegistry(logging.NewNop(), Config{
		BufferSize: 64 * 4096,
		PageSize:   4096,
		MaxThreads: 4,
	}, metrics)
}

// startEcho opens a proc, exposes it under name, and runs a dispatcher that
// echoes every request payload back as the reply.
func startEcho(t *testing.T, r *Registry, name string) *Proc {
	t.Helper()
	p, err := r.Open(name)
	require.NoError(t, err)
	require.NoError(t, p.Expose(name, 1, 0xc0))

	d := NewDispatcher(p, func(ctx context.Context, del *Delivery) ([]byte, []wire.ObjectDesc, error) {
		data, err := del.Payload()
		if err != nil {
			return nil, nil, err
		}
		return data, nil, nil
	}, nil)
	require.NoError(t, d.Start(context.Background(), 2))
	t.Cleanup(func() {
		p.Close()
		d.Stop()
	})
	return p
}

func openClient(t *testing.T, r *Registry, service string) (*Proc, *Thread, uint32) {
	t.Helper()
	p, err := r.Open("client-" + service)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	handle, err := p.Lookup(service)
	require.NoError(t, err)

	th, err := p.NewThread()
	require.NoError(t, err)
	return p, th, handle
}

func TestSyncRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	startEcho(t, r, "echo")
	client, th, handle := openClient(t, r, "echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	del, err := th.Transact(ctx, &wire.TxnRequest{
		Handle: handle,
		Code:   7,
		Data:   []byte("ping"),
	})
	require.NoError(t, err)
	require.NotNil(t, del)
	assert.Equal(t, DeliveryTransaction, del.Kind)

	payload, err := del.Payload()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(payload))

	require.NoError(t, client.FreeBuffer(del.Buffer.Offset))
}

func TestSyncEmptyPayload(t *testing.T) {
	r := newTestRegistry(t)
	startEcho(t, r, "echo")
	client, th, handle := openClient(t, r, "echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	del, err := th.Transact(ctx, &wire.TxnRequest{Handle: handle, Code: 1})
	require.NoError(t, err)
	payload, err := del.Payload()
	require.NoError(t, err)
	assert.Empty(t, payload)
	require.NoError(t, client.FreeBuffer(del.Buffer.Offset))
}

func TestTransactInvalidHandle(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Open("lonely")
	require.NoError(t, err)
	defer p.Close()

	th, err := p.NewThread()
	require.NoError(t, err)

	_, err = th.Transact(context.Background(), &wire.TxnRequest{Handle: 999})
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestTransactMalformedObjects(t *testing.T) {
	r := newTestRegistry(t)
	startEcho(t, r, "echo")
	_, th, handle := openClient(t, r, "echo")

	tests := []struct {
		name string
		req  *wire.TxnRequest
	}{
		{
			name: "misaligned offset",
			req: &wire.TxnRequest{
				Handle:  handle,
				Data:    make([]byte, 16),
				Objects: []wire.ObjectDesc{{Offset: 4, Kind: wire.ObjectBinder, Binder: 1}},
			},
		},
		{
			name: "offset past data end",
			req: &wire.TxnRequest{
				Handle:  handle,
				Data:    make([]byte, 8),
				Objects: []wire.ObjectDesc{{Offset: 8, Kind: wire.ObjectBinder, Binder: 1}},
			},
		},
		{
			name: "overlapping descriptors",
			req: &wire.TxnRequest{
				Handle: handle,
				Data:   make([]byte, 16),
				Objects: []wire.ObjectDesc{
					{Offset: 0, Kind: wire.ObjectBinder, Binder: 1},
					{Offset: 0, Kind: wire.ObjectBinder, Binder: 2},
				},
			},
		},
		{
			name: "unknown kind",
			req: &wire.TxnRequest{
				Handle:  handle,
				Data:    make([]byte, 8),
				Objects: []wire.ObjectDesc{{Offset: 0, Kind: "weak_binder"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := th.Transact(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestTransactDeadTargetUnblocksSender(t *testing.T) {
	r := newTestRegistry(t)

	server, err := r.Open("stuck")
	require.NoError(t, err)
	require.NoError(t, server.Expose("stuck", 1, 0))

	d := NewDispatcher(server, func(ctx context.Context, del *Delivery) ([]byte, []wire.ObjectDesc, error) {
		<-ctx.Done() // hold the request until teardown
		return nil, nil, ctx.Err()
	}, nil)
	require.NoError(t, d.Start(context.Background(), 1))
	defer d.Stop()

	_, th, handle := openClient(t, r, "stuck")

	errCh := make(chan error, 1)
	go func() {
		_, err := th.Transact(context.Background(), &wire.TxnRequest{Handle: handle, Data: []byte("x")})
		errCh <- err
	}()

	// Wait for the request to reach the handler.
	require.Eventually(t, func() bool {
		return server.Stats().Inbound == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, server.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDeadObject)
	case <-time.After(5 * time.Second):
		t.Fatal("sender still blocked after target closed")
	}
}

func TestTransactContextCancel(t *testing.T) {
	r := newTestRegistry(t)

	server, err := r.Open("slow")
	require.NoError(t, err)
	require.NoError(t, server.Expose("slow", 1, 0))
	defer server.Close()

	release := make(chan struct{})
	d := NewDispatcher(server, func(ctx context.Context, del *Delivery) ([]byte, []wire.ObjectDesc, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil, nil
	}, nil)
	require.NoError(t, d.Start(context.Background(), 1))
	defer d.Stop()
	defer close(release)

	_, th, handle := openClient(t, r, "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = th.Transact(ctx, &wire.TxnRequest{Handle: handle, Data: []byte("x")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOnewayReturnsImmediately(t *testing.T) {
	r := newTestRegistry(t)

	var mu sync.Mutex
	var got [][]byte
	server, err := r.Open("sink")
	require.NoError(t, err)
	require.NoError(t, server.Expose("sink", 1, 0))
	defer server.Close()

	d := NewDispatcher(server, func(ctx context.Context, del *Delivery) ([]byte, []wire.ObjectDesc, error) {
		data, err := del.Payload()
		if err != nil {
			return nil, nil, err
		}
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
		return nil, nil, nil
	}, nil)
	require.NoError(t, d.Start(context.Background(), 2))
	defer d.Stop()

	_, th, handle := openClient(t, r, "sink")

	del, err := th.Transact(context.Background(), &wire.TxnRequest{
		Handle: handle,
		Data:   []byte("fire and forget"),
		Oneway: true,
	})
	require.NoError(t, err)
	assert.Nil(t, del)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "fire and forget", string(got[0]))
}

func TestOnewayPerNodeOrder(t *testing.T) {
	r := newTestRegistry(t)

	var mu sync.Mutex
	var codes []uint32
	server, err := r.Open("ordered")
	require.NoError(t, err)
	require.NoError(t, server.Expose("ordered", 1, 0))
	defer server.Close()

	// Several loopers: ordering must come from per-node serialization, not
	// from having a single consumer.
	d := NewDispatcher(server, func(ctx context.Context, del *Delivery) ([]byte, []wire.ObjectDesc, error) {
		mu.Lock()
		codes = append(codes, del.Code)
		mu.Unlock()
		return nil, nil, nil
	}, nil)
	require.NoError(t, d.Start(context.Background(), 4))
	defer d.Stop()

	_, th, handle := openClient(t, r, "ordered")

	const n = 100
	for i := 0; i < n; i++ {
		_, err := th.Transact(context.Background(), &wire.TxnRequest{
			Handle: handle,
			Code:   uint32(i),
			Data:   []byte{byte(i)},
			Oneway: true,
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(codes) == n
	}, 10*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, uint32(i), codes[i], "oneway %d delivered out of order", i)
	}
}

func TestOnewayBudgetExhaustion(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(logging.NewNop(), Config{BufferSize: 4096, PageSize: 4096, MaxThreads: 1}, metrics)

	server, err := r.Open("tiny")
	require.NoError(t, err)
	require.NoError(t, server.Expose("tiny", 1, 0))
	defer server.Close()

	_, th, handle := openClient(t, r, "tiny")

	// No looper is draining, so budgeted space is never returned. The async
	// budget is half the reservation; a payload bigger than that must fail
	// fast instead of blocking.
	_, err = th.Transact(context.Background(), &wire.TxnRequest{
		Handle: handle,
		Data:   make([]byte, 3000),
		Oneway: true,
	})
	assert.ErrorIs(t, err, ErrOutOfBuffers)
}

func TestTranslateBinderAndBack(t *testing.T) {
	r := newTestRegistry(t)

	type seen struct {
		objects []wire.ObjectDesc
	}
	seenCh := make(chan seen, 1)

	server, err := r.Open("svc")
	require.NoError(t, err)
	require.NoError(t, server.Expose("svc", 1, 0))
	defer server.Close()

	// Echo the received handle back as an embedded object.
	d := NewDispatcher(server, func(ctx context.Context, del *Delivery) ([]byte, []wire.ObjectDesc, error) {
		seenCh <- seen{objects: del.Objects}
		if len(del.Objects) == 0 {
			return nil, nil, nil
		}
		return make([]byte, 8), []wire.ObjectDesc{{
			Offset: 0,
			Kind:   wire.ObjectHandle,
			Handle: del.Objects[0].Handle,
		}}, nil
	}, nil)
	require.NoError(t, d.Start(context.Background(), 1))
	defer d.Stop()

	client, th, handle := openClient(t, r, "svc")

	// Client ships one of its own objects; the server must see a fresh
	// handle, and echoing it back must surface the original binder identity.
	del, err := th.Transact(context.Background(), &wire.TxnRequest{
		Handle:  handle,
		Data:    make([]byte, 8),
		Objects: []wire.ObjectDesc{{Offset: 0, Kind: wire.ObjectBinder, Binder: 0x99, Cookie: 0x77}},
	})
	require.NoError(t, err)

	s := <-seenCh
	require.Len(t, s.objects, 1)
	assert.Equal(t, wire.ObjectHandle, s.objects[0].Kind)
	assert.NotZero(t, s.objects[0].Handle)

	require.Len(t, del.Objects, 1)
	assert.Equal(t, wire.ObjectBinder, del.Objects[0].Kind)
	assert.Equal(t, uint64(0x99), del.Objects[0].Binder)
	assert.Equal(t, uint64(0x77), del.Objects[0].Cookie)

	require.NoError(t, client.FreeBuffer(del.Buffer.Offset))
}

func TestTranslateFD(t *testing.T) {
	r := newTestRegistry(t)

	gotFD := make(chan int32, 1)
	server, err := r.Open("fdsvc")
	require.NoError(t, err)
	require.NoError(t, server.Expose("fdsvc", 1, 0))
	defer server.Close()

	d := NewDispatcher(server, func(ctx context.Context, del *Delivery) ([]byte, []wire.ObjectDesc, error) {
		if len(del.Objects) == 1 && del.Objects[0].Kind == wire.ObjectFD {
			gotFD <- del.Objects[0].FD
		}
		return nil, nil, nil
	}, nil)
	require.NoError(t, d.Start(context.Background(), 1))
	defer d.Stop()

	client, th, handle := openClient(t, r, "fdsvc")

	file := r.NewFile("shared.log")
	fd := client.OpenFD(file)
	require.Equal(t, 1, file.Refs())

	del, err := th.Transact(context.Background(), &wire.TxnRequest{
		Handle:  handle,
		Data:    make([]byte, 8),
		Objects: []wire.ObjectDesc{{Offset: 0, Kind: wire.ObjectFD, FD: fd}},
	})
	require.NoError(t, err)
	require.NoError(t, client.FreeBuffer(del.Buffer.Offset))

	select {
	case remote := <-gotFD:
		f, ok := server.FDFile(remote)
		require.True(t, ok)
		assert.Same(t, file, f)
		assert.Equal(t, 2, file.Refs())
	case <-time.After(5 * time.Second):
		t.Fatal("fd never delivered")
	}
}

func TestTranslateUnknownFD(t *testing.T) {
	r := newTestRegistry(t)
	startEcho(t, r, "echo")
	_, th, handle := openClient(t, r, "echo")

	_, err := th.Transact(context.Background(), &wire.TxnRequest{
		Handle:  handle,
		Data:    make([]byte, 8),
		Objects: []wire.ObjectDesc{{Offset: 0, Kind: wire.ObjectFD, FD: 42}},
	})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestNestedCallDoesNotDeadlock(t *testing.T) {
	r := newTestRegistry(t)

	// B's handler calls back into A while servicing A's request.
	procA, err := r.Open("a")
	require.NoError(t, err)
	require.NoError(t, procA.Expose("a", 1, 0))
	defer procA.Close()

	procB, err := r.Open("b")
	require.NoError(t, err)
	require.NoError(t, procB.Expose("b", 1, 0))
	defer procB.Close()

	da := NewDispatcher(procA, func(ctx context.Context, del *Delivery) ([]byte, []wire.ObjectDesc, error) {
		return []byte("a says hi"), nil, nil
	}, nil)
	require.NoError(t, da.Start(context.Background(), 1))
	defer da.Stop()

	backHandle, err := procB.Lookup("a")
	require.NoError(t, err)

	db := NewDispatcher(procB, func(ctx context.Context, del *Delivery) ([]byte, []wire.ObjectDesc, error) {
		th, err := procB.NewThread()
		if err != nil {
			return nil, nil, err
		}
		nested, err := th.Transact(ctx, &wire.TxnRequest{Handle: backHandle, Data: []byte("nested")})
		if err != nil {
			return nil, nil, err
		}
		data, err := nested.Payload()
		procB.FreeBuffer(nested.Buffer.Offset)
		return data, nil, err
	}, nil)
	require.NoError(t, db.Start(context.Background(), 1))
	defer db.Stop()

	_, th, handle := openClient(t, r, "b")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	del, err := th.Transact(ctx, &wire.TxnRequest{Handle: handle, Data: []byte("outer")})
	require.NoError(t, err)
	payload, err := del.Payload()
	require.NoError(t, err)
	assert.Equal(t, "a says hi", string(payload))
}

func TestDynamicLooperSpawn(t *testing.T) {
	r := newTestRegistry(t)

	block := make(chan struct{})
	server, err := r.Open("busy")
	require.NoError(t, err)
	require.NoError(t, server.Expose("busy", 1, 0))
	defer server.Close()

	d := NewDispatcher(server, func(ctx context.Context, del *Delivery) ([]byte, []wire.ObjectDesc, error) {
		if del.Code == 0 {
			select {
			case <-block:
			case <-ctx.Done():
			}
		}
		return []byte("ok"), nil, nil
	}, nil)
	require.NoError(t, d.Start(context.Background(), 1))
	defer d.Stop()
	defer close(block)

	client, th1, handle := openClient(t, r, "busy")

	// First call parks the only registered looper.
	go th1.Transact(context.Background(), &wire.TxnRequest{Handle: handle, Code: 0, Data: []byte("hold")})

	require.Eventually(t, func() bool {
		return server.Stats().Inbound == 1
	}, 5*time.Second, 5*time.Millisecond)

	// Second call must be served by a dynamically spawned looper.
	th2, err := client.NewThread()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	del, err := th2.Transact(ctx, &wire.TxnRequest{Handle: handle, Code: 1, Data: []byte("go")})
	require.NoError(t, err)
	require.NoError(t, client.FreeBuffer(del.Buffer.Offset))
}

func TestRecvCancelRaceKeepsWork(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Open("racer")
	require.NoError(t, err)
	defer p.Close()

	th, err := p.NewThread()
	require.NoError(t, err)
	require.NoError(t, th.EnterLooper())

	// Race a Recv cancellation against the direct handoff. Whatever the
	// interleaving, the item must surface: either this Recv returns it
	// (handoff landed before the waiter detached) or it sits on the shared
	// queue for the next Recv. It must never vanish into a detached
	// waiter's channel.
	const rounds = 200
	got := 0
	for i := 0; i < rounds; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan *Delivery, 1)
		go func() {
			d, err := th.Recv(ctx)
			if err != nil {
				done <- nil
				return
			}
			done <- d
		}()

		go cancel()
		p.enqueue(&work{death: &wire.DeathEvent{Handle: uint32(i)}})

		if d := <-done; d != nil {
			got++
			continue
		}
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		d, err := th.Recv(ctx2)
		cancel2()
		require.NoError(t, err, "round %d: work item lost", i)
		require.NotNil(t, d)
		got++
	}
	assert.Equal(t, rounds, got)
}

func TestOnewayConcurrentSendersPerNodeOrder(t *testing.T) {
	r := newTestRegistry(t)

	var mu sync.Mutex
	var seen []uint32
	var busy atomic.Bool
	server, err := r.Open("ordered")
	require.NoError(t, err)
	require.NoError(t, server.Expose("ordered", 1, 0))
	defer server.Close()

	// Several loopers: any overlap between two oneway handlers for this
	// node would be a serialization break, so the handler trips a flag if
	// it ever runs reentrantly.
	d := NewDispatcher(server, func(ctx context.Context, del *Delivery) ([]byte, []wire.ObjectDesc, error) {
		if !busy.CompareAndSwap(false, true) {
			t.Error("two oneway transactions processed concurrently for one node")
		}
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen = append(seen, del.Code)
		mu.Unlock()
		busy.Store(false)
		return nil, nil, nil
	}, nil)
	require.NoError(t, d.Start(context.Background(), 4))
	defer d.Stop()

	const senders = 10
	const perSender = 10

	threads := make([]*Thread, senders)
	handles := make([]uint32, senders)
	for s := 0; s < senders; s++ {
		_, th, handle := openClient(t, r, "ordered")
		threads[s] = th
		handles[s] = handle
	}

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := threads[s].Transact(context.Background(), &wire.TxnRequest{
					Handle: handles[s],
					Code:   uint32(s*100 + i),
					Data:   []byte{byte(s), byte(i)},
					Oneway: true,
				})
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == senders*perSender
	}, 10*time.Second, 5*time.Millisecond)

	// One consistent total order per node: every sender's own submissions
	// appear in their submission order within it.
	mu.Lock()
	defer mu.Unlock()
	pos := make(map[uint32]int, len(seen))
	for i, code := range seen {
		pos[code] = i
	}
	require.Len(t, pos, senders*perSender, "duplicate or missing deliveries")
	for s := 0; s < senders; s++ {
		last := -1
		for i := 0; i < perSender; i++ {
			at, ok := pos[uint32(s*100+i)]
			require.True(t, ok, "sender %d item %d never delivered", s, i)
			assert.Greater(t, at, last, "sender %d item %d delivered out of order", s, i)
			last = at
		}
	}
}
