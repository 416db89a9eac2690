// Package pcap extracts ISO-on-TCP frames from packet captures and
// decodes them with the s7 codec.
package pcap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog"

	"s7link/logging"
	"s7link/s7"
)

// DefaultPort is the ISO-on-TCP port.
const DefaultPort = 102

// KindError counts frames that failed to decode.
const KindError = "error"

const pcapngMagic = 0x0A0D0D0A

// Frame is one TPKT frame found in a TCP stream.
type Frame struct {
	Timestamp time.Time        `json:"timestamp"`
	Stream    string           `json:"stream"`
	ToServer  bool             `json:"to_server"`
	Raw       []byte           `json:"-"`
	Summary   *s7.FrameSummary `json:"summary,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Kind returns the summary kind, or KindError.
func (f *Frame) Kind() string {
	if f.Summary == nil {
		return KindError
	}
	return f.Summary.Kind
}

// Connection is a correlated connection request and confirm.
type Connection struct {
	Stream  string `json:"stream"`
	Request *Frame `json:"request"`
	Confirm *Frame `json:"confirm,omitempty"`
}

// Exchange is a read job and the ack carrying its PDU reference.
type Exchange struct {
	Stream  string        `json:"stream"`
	Ref     uint16        `json:"ref"`
	Job     *Frame        `json:"job"`
	Ack     *Frame        `json:"ack,omitempty"`
	Latency time.Duration `json:"latency,omitempty"`
}

// Report is the result of reading one capture.
type Report struct {
	Packets     int            `json:"packets"`
	Frames      []*Frame       `json:"frames"`
	Counts      map[string]int `json:"counts"`
	Connections []*Connection  `json:"connections"`
	Exchanges   []*Exchange    `json:"exchanges"`
}

// Unanswered returns the read jobs that never saw an ack.
func (r *Report) Unanswered() []*Exchange {
	var out []*Exchange
	for _, x := range r.Exchanges {
		if x.Ack == nil {
			out = append(out, x)
		}
	}
	return out
}

// Option configures a Reader.
type Option func(*Reader)

// WithPort changes the server port frames are extracted from.
func WithPort(port uint16) Option {
	return func(r *Reader) { r.port = port }
}

// WithLogger sets the logger for stream errors.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reader) { r.log = l }
}

// Reader extracts frames from pcap and pcapng captures.
type Reader struct {
	port uint16
	log  zerolog.Logger
}

// NewReader creates a capture reader for TCP port 102.
func NewReader(opts ...Option) *Reader {
	r := &Reader{
		port: DefaultPort,
		log:  logging.Logger().With().Str("component", "pcap").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadFile reads a capture file.
func (r *Reader) ReadFile(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()
	return r.Read(f)
}

// Read reads a pcap or pcapng capture from in.
func (r *Reader) Read(in io.Reader) (*Report, error) {
	br := bufio.NewReader(in)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var (
		src      gopacket.PacketDataSource
		linkType layers.LinkType
	)
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("open pcapng: %w", err)
		}
		src, linkType = ng, ng.LinkType()
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open pcap: %w", err)
		}
		src, linkType = pr, pr.LinkType()
	}

	a := newAnalyzer(r.port)
	packets := gopacket.NewPacketSource(src, linkType)
	packets.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	for {
		packet, err := packets.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.log.Warn().Err(err).Int("packet", a.report.Packets).Msg("skipping unreadable packet")
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			continue
		}
		a.packet(packet)
	}
	a.finish()
	return a.report, nil
}

type analyzer struct {
	port    uint16
	streams map[string][]byte
	pending s7.PendingConnections
	conns   map[*s7.ConnectionDatagram]*Connection
	jobs    map[string]*Exchange // stream + ref
	report  *Report
}

func newAnalyzer(port uint16) *analyzer {
	return &analyzer{
		port:    port,
		streams: make(map[string][]byte),
		conns:   make(map[*s7.ConnectionDatagram]*Connection),
		jobs:    make(map[string]*Exchange),
		report:  &Report{Counts: make(map[string]int)},
	}
}

func (a *analyzer) packet(p gopacket.Packet) {
	a.report.Packets++

	tcpLayer := p.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return
	}
	tcp, _ := tcpLayer.(*layers.TCP)
	toServer := uint16(tcp.DstPort) == a.port
	if !toServer && uint16(tcp.SrcPort) != a.port {
		return
	}
	if len(tcp.Payload) == 0 {
		return
	}

	src, dst := "unknown", "unknown"
	if nl := p.NetworkLayer(); nl != nil {
		s, d := nl.NetworkFlow().Endpoints()
		src, dst = s.String(), d.String()
	}
	key := fmt.Sprintf("%s:%d->%s:%d", src, tcp.SrcPort, dst, tcp.DstPort)
	conn := key
	if !toServer {
		conn = fmt.Sprintf("%s:%d->%s:%d", dst, tcp.DstPort, src, tcp.SrcPort)
	}

	buf := append(a.streams[key], tcp.Payload...)
	for {
		frame, rest, err := s7.NextFrame(buf)
		if err != nil {
			// Lost sync with the TPKT framing; drop what is buffered.
			logging.DebugError("pcap", key, err)
			a.add(&Frame{Timestamp: p.Metadata().Timestamp, Stream: conn, ToServer: toServer, Raw: buf, Error: err.Error()})
			buf = nil
			break
		}
		if frame == nil {
			break
		}
		a.frame(p.Metadata().Timestamp, conn, toServer, append([]byte(nil), frame...))
		buf = rest
	}
	if len(buf) == 0 {
		delete(a.streams, key)
	} else {
		a.streams[key] = append([]byte(nil), buf...)
	}
}

func (a *analyzer) frame(ts time.Time, conn string, toServer bool, raw []byte) {
	f := &Frame{Timestamp: ts, Stream: conn, ToServer: toServer, Raw: raw}
	summary, err := s7.Inspect(raw)
	if err != nil {
		f.Error = err.Error()
		a.add(f)
		return
	}
	f.Summary = summary
	a.add(f)

	switch summary.Kind {
	case s7.KindConnectionRequest:
		if req, err := s7.DecodeConnectionRequest(raw); err == nil {
			a.pending.Add(req)
			c := &Connection{Stream: conn, Request: f}
			a.conns[req] = c
			a.report.Connections = append(a.report.Connections, c)
		}
	case s7.KindConnectionConfirm:
		if cc, err := s7.DecodeConnectionConfirm(raw); err == nil {
			if req, ok := a.pending.Match(cc); ok {
				a.conns[req].Confirm = f
				delete(a.conns, req)
			}
		}
	case s7.KindReadJob:
		x := &Exchange{Stream: conn, Ref: summary.Ref, Job: f}
		a.jobs[exchangeKey(conn, summary.Ref)] = x
		a.report.Exchanges = append(a.report.Exchanges, x)
	case s7.KindReadJobAck:
		k := exchangeKey(conn, summary.Ref)
		if x, ok := a.jobs[k]; ok {
			x.Ack = f
			x.Latency = ts.Sub(x.Job.Timestamp)
			summary.ApplyRequest(x.Job.Summary)
			delete(a.jobs, k)
		}
	}
}

func (a *analyzer) add(f *Frame) {
	a.report.Frames = append(a.report.Frames, f)
	a.report.Counts[f.Kind()]++
}

// finish orders exchanges by job time. Leftover partial frames are
// reported as errors.
func (a *analyzer) finish() {
	sort.SliceStable(a.report.Exchanges, func(i, j int) bool {
		return a.report.Exchanges[i].Job.Timestamp.Before(a.report.Exchanges[j].Job.Timestamp)
	})
	keys := make([]string, 0, len(a.streams))
	for k := range a.streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a.add(&Frame{Stream: k, Raw: a.streams[k], Error: fmt.Sprintf("truncated: %d bytes left in stream", len(a.streams[k]))})
	}
}

func exchangeKey(conn string, ref uint16) string {
	return fmt.Sprintf("%s#%04x", conn, ref)
}
