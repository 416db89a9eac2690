package s7

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	sendErr error
}

func (f *fakeTransport) Frame(pdu []byte) ([]byte, int, error) {
	return EncodeDataTPDU(pdu)
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) acks(t *testing.T) []*ReadJobAckDatagram {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*ReadJobAckDatagram, 0, len(f.frames))
	for _, frame := range f.frames {
		pdu, err := DecodeDataTPDU(frame)
		if err != nil {
			t.Fatalf("DecodeDataTPDU: %v", err)
		}
		ack, err := DecodeReadJobAck(pdu)
		if err != nil {
			t.Fatalf("DecodeReadJobAck: %v", err)
		}
		out = append(out, ack)
	}
	return out
}

// echoProvider answers every item with its DB number as one byte.
func echoProvider() ProviderFunc {
	return func(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error) {
		out := make([]ReadResultItem, len(items))
		for i, it := range items {
			out[i] = ResultOK(DataByte, []byte{byte(it.DBNumber)})
		}
		return out, nil
	}
}

func newTestDispatcher(t *testing.T, p Provider, tr Transport, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	d, err := NewDispatcher(testContext(), p, tr, opts...)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func wait(t *testing.T, j *Job) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o, err := j.Wait(ctx)
	if err != nil {
		t.Fatalf("job 0x%04X did not finish: %v", j.Ref(), err)
	}
	return o
}

func readJob(t *testing.T, ref uint16, addrs ...string) []byte {
	t.Helper()
	pdu, err := EncodeReadJob(ref, readItems(t, addrs...))
	if err != nil {
		t.Fatalf("EncodeReadJob: %v", err)
	}
	return pdu
}

func TestDispatchReadJob_EchoesReference(t *testing.T) {
	tr := &fakeTransport{}
	d := newTestDispatcher(t, echoProvider(), tr)

	job, err := d.DispatchReadJob(readJob(t, 0x1234, "DB5.DBB0"))
	if err != nil {
		t.Fatalf("DispatchReadJob: %v", err)
	}
	o := wait(t, job)
	if !o.OK() || o.Err != nil {
		t.Fatalf("outcome = %+v", o)
	}
	if o.Ref != 0x1234 || o.Items != 1 {
		t.Errorf("outcome ref/items = %#04x/%d", o.Ref, o.Items)
	}

	acks := tr.acks(t)
	if len(acks) != 1 {
		t.Fatalf("sent %d acks, want 1", len(acks))
	}
	if acks[0].Header.PDUReference != 0x1234 {
		t.Errorf("ack PDU reference = %#04x, want 0x1234", acks[0].Header.PDUReference)
	}
	if len(acks[0].Items) != 1 || acks[0].Items[0].Data[0] != 5 {
		t.Errorf("ack items = %+v", acks[0].Items)
	}
}

func TestDispatchReadJob_PreservesItemOrder(t *testing.T) {
	tr := &fakeTransport{}
	d := newTestDispatcher(t, echoProvider(), tr)

	job, err := d.DispatchReadJob(readJob(t, 9, "DB5.DBB0", "DB1.DBB0", "DB4.DBB0", "DB2.DBB0", "DB3.DBB0"))
	if err != nil {
		t.Fatal(err)
	}
	wait(t, job)

	want := []byte{5, 1, 4, 2, 3}
	items := tr.acks(t)[0].Items
	for i, w := range want {
		if items[i].Data[0] != w {
			t.Errorf("item %d = %d, want %d", i, items[i].Data[0], w)
		}
	}
}

func TestDispatchReadJob_DoesNotBlockReceivePath(t *testing.T) {
	release := make(chan struct{})
	p := ProviderFunc(func(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error) {
		<-release
		return echoProvider()(ctx, items)
	})
	tr := &fakeTransport{}
	d := newTestDispatcher(t, p, tr)

	buf := readJob(t, 1, "DB7.DBB0")
	done := make(chan *Job)
	go func() {
		j, err := d.DispatchReadJob(buf)
		if err != nil {
			t.Error(err)
		}
		done <- j
	}()

	var job *Job
	select {
	case job = <-done:
	case <-time.After(time.Second):
		t.Fatal("DispatchReadJob blocked on the provider")
	}

	// The receive buffer is reused before the provider answers.
	for i := range buf {
		buf[i] = 0
	}
	close(release)
	if o := wait(t, job); !o.OK() {
		t.Fatalf("outcome = %+v", o)
	}
	if got := tr.acks(t)[0].Items[0].Data[0]; got != 7 {
		t.Errorf("ack data = %d, want 7 (decoded before buffer reuse)", got)
	}
}

func TestDispatchReadJob_AcksOutOfArrivalOrder(t *testing.T) {
	slow := make(chan struct{})
	p := ProviderFunc(func(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error) {
		if items[0].DBNumber == 1 {
			<-slow
		}
		return echoProvider()(ctx, items)
	})
	tr := &fakeTransport{}
	d := newTestDispatcher(t, p, tr)

	first, err := d.DispatchReadJob(readJob(t, 1, "DB1.DBB0"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.DispatchReadJob(readJob(t, 2, "DB2.DBB0"))
	if err != nil {
		t.Fatal(err)
	}
	wait(t, second)
	if acks := tr.acks(t); len(acks) != 1 || acks[0].Header.PDUReference != 2 {
		t.Fatalf("expected only job 2 acknowledged, got %d acks", len(acks))
	}
	close(slow)
	wait(t, first)
	if acks := tr.acks(t); len(acks) != 2 || acks[1].Header.PDUReference != 1 {
		t.Fatalf("job 1 ack missing")
	}
}

func TestDispatchReadJob_Failures(t *testing.T) {
	tests := []struct {
		name      string
		provider  ProviderFunc
		sendErr   error
		wantErr   error
		wantStage JobState
	}{
		{
			name: "provider error",
			provider: func(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error) {
				return nil, errors.New("plc offline")
			},
			wantErr:   ErrProviderFailure,
			wantStage: JobAwaitingProvider,
		},
		{
			name: "provider returns too few results",
			provider: func(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error) {
				return nil, nil
			},
			wantErr:   ErrProviderFailure,
			wantStage: JobAwaitingProvider,
		},
		{
			name: "provider panics",
			provider: func(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error) {
				panic("boom")
			},
			wantErr:   ErrProviderFailure,
			wantStage: JobAwaitingProvider,
		},
		{
			name: "ack too large",
			provider: func(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error) {
				return []ReadResultItem{ResultOK(DataByte, make([]byte, 900))}, nil
			},
			wantErr:   ErrPDUTooLarge,
			wantStage: JobEncoding,
		},
		{
			name:      "send fails",
			provider:  echoProvider(),
			sendErr:   errors.New("connection reset"),
			wantErr:   ErrTransportFailure,
			wantStage: JobSending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			var reported []Outcome
			tr := &fakeTransport{sendErr: tt.sendErr}
			d := newTestDispatcher(t, tt.provider, tr, WithOutcomeHandler(func(o Outcome) {
				mu.Lock()
				reported = append(reported, o)
				mu.Unlock()
			}))

			job, err := d.DispatchReadJob(readJob(t, 0x77, "DB1.DBB0"))
			if err != nil {
				t.Fatalf("DispatchReadJob: %v", err)
			}
			o := wait(t, job)
			if o.State != JobFailed || job.State() != JobFailed {
				t.Fatalf("state = %v, want failed", o.State)
			}
			if !errors.Is(o.Err, tt.wantErr) {
				t.Errorf("err = %v, want %v", o.Err, tt.wantErr)
			}
			if o.Stage != tt.wantStage {
				t.Errorf("stage = %v, want %v", o.Stage, tt.wantStage)
			}
			var je *JobError
			if !errors.As(o.Err, &je) || je.Ref != 0x77 {
				t.Errorf("err is not a JobError for ref 0x77: %v", o.Err)
			}

			mu.Lock()
			defer mu.Unlock()
			if len(reported) != 1 || reported[0].State != JobFailed {
				t.Errorf("handler saw %+v", reported)
			}
			if s := d.Stats(); s.Failed != 1 || s.Completed != 0 {
				t.Errorf("stats = %+v", s)
			}
		})
	}
}

func TestDispatchReadJob_DecodeFailure(t *testing.T) {
	var reported []Outcome
	tr := &fakeTransport{}
	d := newTestDispatcher(t, echoProvider(), tr, WithOutcomeHandler(func(o Outcome) {
		reported = append(reported, o)
	}))

	bad := mustHex(t, "32010000abcd00"+"0e0000"+"0401"+"120a100200010005990000"+"00")
	if _, err := d.DispatchReadJob(bad); !errors.Is(err, ErrMalformedDatagram) {
		t.Fatalf("err = %v, want ErrMalformedDatagram", err)
	}
	if len(reported) != 1 || reported[0].Stage != JobDecoding || reported[0].Ref != 0xABCD {
		t.Errorf("decode failure not reported: %+v", reported)
	}

	// The next datagram is still served.
	job, err := d.DispatchReadJob(readJob(t, 2, "DB1.DBB0"))
	if err != nil {
		t.Fatal(err)
	}
	if o := wait(t, job); !o.OK() {
		t.Errorf("outcome = %+v", o)
	}
	if s := d.Stats(); s.DecodeErrors != 1 || s.Completed != 1 || s.Received != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDispatch_Routing(t *testing.T) {
	tr := &fakeTransport{}
	d := newTestDispatcher(t, echoProvider(), tr)

	write := mustHex(t, "32010000000100"+"0e0000"+"0501"+"120a100200010005840000"+"00")
	if _, err := d.Dispatch(write); !errors.Is(err, ErrUnsupportedJob) {
		t.Errorf("write job: err = %v, want ErrUnsupportedJob", err)
	}
	ack := mustHex(t, "320300001234"+"0002"+"0005"+"0000"+"0401"+"ff0400082a")
	if _, err := d.Dispatch(ack); !errors.Is(err, ErrUnsupportedJob) {
		t.Errorf("ack data: err = %v, want ErrUnsupportedJob", err)
	}

	job, err := d.Dispatch(readJob(t, 3, "MB0"))
	if err != nil {
		t.Fatalf("read job: %v", err)
	}
	if o := wait(t, job); !o.OK() {
		t.Errorf("outcome = %+v", o)
	}
}

func TestDispatchReadJob_FillsDataTransportSize(t *testing.T) {
	p := ProviderFunc(func(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error) {
		return []ReadResultItem{{ReturnCode: ReturnSuccess, Data: []byte{0x00, 0x10}}}, nil
	})
	tr := &fakeTransport{}
	d := newTestDispatcher(t, p, tr)

	job, err := d.DispatchReadJob(readJob(t, 4, "MW0"))
	if err != nil {
		t.Fatal(err)
	}
	if o := wait(t, job); !o.OK() {
		t.Fatalf("outcome = %+v", o)
	}
	if got := tr.acks(t)[0].Items[0].TransportSize; got != DataByte {
		t.Errorf("TransportSize = %#x, want DataByte", byte(got))
	}
}

func TestDispatchReadJob_Timeout(t *testing.T) {
	p := ProviderFunc(func(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := newTestDispatcher(t, p, &fakeTransport{}, WithJobTimeout(20*time.Millisecond))

	job, err := d.DispatchReadJob(readJob(t, 5, "MB0"))
	if err != nil {
		t.Fatal(err)
	}
	o := wait(t, job)
	if !errors.Is(o.Err, context.DeadlineExceeded) || !errors.Is(o.Err, ErrProviderFailure) {
		t.Errorf("err = %v, want provider failure from deadline", o.Err)
	}
}

func TestDispatcher_MaxInFlight(t *testing.T) {
	release := make(chan struct{})
	p := ProviderFunc(func(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error) {
		if items[0].DBNumber == 1 {
			<-release
		}
		return echoProvider()(ctx, items)
	})
	d := newTestDispatcher(t, p, &fakeTransport{}, WithMaxInFlight(1))

	first, err := d.DispatchReadJob(readJob(t, 1, "DB1.DBB0"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.DispatchReadJob(readJob(t, 2, "DB2.DBB0"))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-second.Done():
		t.Fatal("second job ran past the in-flight limit")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	wait(t, first)
	if o := wait(t, second); !o.OK() {
		t.Errorf("second outcome = %+v", o)
	}
}

func TestDispatcher_Close(t *testing.T) {
	p := ProviderFunc(func(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d, err := NewDispatcher(testContext(), p, &fakeTransport{}, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}

	job, err := d.DispatchReadJob(readJob(t, 6, "MB0"))
	if err != nil {
		t.Fatal(err)
	}
	d.Close()

	select {
	case <-job.Done():
	default:
		t.Fatal("Close returned before the in-flight job finished")
	}
	if !errors.Is(job.Outcome().Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", job.Outcome().Err)
	}
	if _, err := d.DispatchReadJob(readJob(t, 7, "MB0")); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("after Close: err = %v", err)
	}
}

func TestDispatch_AfterClose(t *testing.T) {
	var reported []Outcome
	d := newTestDispatcher(t, echoProvider(), &fakeTransport{}, WithOutcomeHandler(func(o Outcome) {
		reported = append(reported, o)
	}))
	d.Close()

	tests := []struct {
		name string
		pdu  []byte
	}{
		{"read job", readJob(t, 1, "MB0")},
		{"write job", mustHex(t, "32010000000100"+"0e0000"+"0501"+"120a100200010005840000"+"00")},
		{"ack data", mustHex(t, "320300001234"+"0002"+"0005"+"0000"+"0401"+"ff0400082a")},
		{"truncated", []byte{0x32}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.Dispatch(tt.pdu); !errors.Is(err, ErrDispatcherClosed) {
				t.Errorf("err = %v, want ErrDispatcherClosed", err)
			}
		})
	}

	if len(reported) != 0 {
		t.Errorf("outcomes reported after Close: %+v", reported)
	}
	if s := d.Stats(); s.Received != 0 || s.Failed != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDispatch_FailureNamesFunction(t *testing.T) {
	var buf bytes.Buffer
	var reported []Outcome
	d := newTestDispatcher(t, echoProvider(), &fakeTransport{},
		WithLogger(zerolog.New(&buf)),
		WithOutcomeHandler(func(o Outcome) { reported = append(reported, o) }))

	write := mustHex(t, "32010000000100"+"0e0000"+"0501"+"120a100200010005840000"+"00")
	if _, err := d.Dispatch(write); !errors.Is(err, ErrUnsupportedJob) {
		t.Fatalf("err = %v", err)
	}
	if len(reported) != 1 || reported[0].Function != "write" {
		t.Fatalf("reported = %+v", reported)
	}

	var line struct {
		Level    string `json:"level"`
		Function string `json:"function"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("log output %q: %v", buf.String(), err)
	}
	if line.Level != "error" || line.Message != "job failed" || line.Function != "write" {
		t.Errorf("log line = %+v", line)
	}
}

func TestNewDispatcher_Validation(t *testing.T) {
	if _, err := NewDispatcher(nil, echoProvider(), &fakeTransport{}); !errors.Is(err, ErrInvalidContext) {
		t.Errorf("nil context: err = %v", err)
	}
	bad := testContext()
	bad.PDUSize = 4
	if _, err := NewDispatcher(bad, echoProvider(), &fakeTransport{}); !errors.Is(err, ErrInvalidContext) {
		t.Errorf("tiny PDU: err = %v", err)
	}
}
