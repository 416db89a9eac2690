package s7

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Frame kinds reported by Inspect.
const (
	KindConnectionRequest = "connection_request"
	KindConnectionConfirm = "connection_confirm"
	KindReadJob           = "read_job"
	KindReadJobAck        = "read_job_ack"
	KindData              = "data"
)

// FrameSummary is a diagnostic view of one decoded TPKT frame.
type FrameSummary struct {
	Kind       string             `json:"kind"`
	Length     int                `json:"length"`
	Connection *ConnectionSummary `json:"connection,omitempty"`

	MessageType string        `json:"message_type,omitempty"`
	Ref         uint16        `json:"ref,omitempty"`
	Function    string        `json:"function,omitempty"`
	Requests    []ItemSummary `json:"requests,omitempty"`
	Results     []ItemSummary `json:"results,omitempty"`
	Error       string        `json:"error,omitempty"`

	requests []ReadRequestItem
	results  []ReadResultItem
}

// ConnectionSummary holds the fields of a CR or CC.
type ConnectionSummary struct {
	DestinationReference int16  `json:"dst_ref"`
	SourceReference      int16  `json:"src_ref"`
	ClassOption          byte   `json:"class"`
	TPDUSize             string `json:"tpdu_size,omitempty"`
	SourceTSAP           string `json:"src_tsap,omitempty"`
	DestinationTSAP      string `json:"dst_tsap,omitempty"`
}

// ItemSummary is one request or result item.
type ItemSummary struct {
	Item       string      `json:"item,omitempty"`
	ReturnCode string      `json:"return_code,omitempty"`
	Transport  string      `json:"transport,omitempty"`
	Data       string      `json:"data,omitempty"`
	Value      interface{} `json:"value,omitempty"`
}

// Inspect decodes a complete TPKT frame for display. DT frames carrying
// anything other than a read job or its ack are reported as KindData
// with the header fields filled in.
func Inspect(frame []byte) (*FrameSummary, error) {
	t, err := FrameType(frame)
	if err != nil {
		return nil, err
	}
	s := &FrameSummary{Length: len(frame)}

	switch t {
	case PduConnectionRequest, PduConnectionConfirm:
		d, err := DecodeConnection(frame)
		if err != nil {
			return nil, err
		}
		s.Kind = KindConnectionRequest
		if t == PduConnectionConfirm {
			s.Kind = KindConnectionConfirm
		}
		s.Connection = &ConnectionSummary{
			DestinationReference: d.DestinationReference,
			SourceReference:      d.SourceReference,
			ClassOption:          d.ClassOption,
			TPDUSize:             hex.EncodeToString(d.TPDUSize),
			SourceTSAP:           hex.EncodeToString(d.SourceTSAP),
			DestinationTSAP:      hex.EncodeToString(d.DestinationTSAP),
		}
		return s, nil

	case PduData:
		pdu, err := DecodeDataTPDU(frame)
		if err != nil {
			return nil, err
		}
		return s, inspectPDU(s, pdu)

	default:
		return nil, &MalformedError{Layer: "cotp", Offset: tpktHeaderSize + 1, Reason: fmt.Sprintf("unsupported COTP type %s", t)}
	}
}

func inspectPDU(s *FrameSummary, pdu []byte) error {
	h, fn, err := PeekHeader(pdu)
	if err != nil {
		return err
	}
	s.Kind = KindData
	s.MessageType = h.MessageType.String()
	s.Ref = h.PDUReference
	if h.ParameterLength > 0 {
		s.Function = functionName(fn)
	}
	if fn != s7FuncRead {
		return nil
	}

	switch h.MessageType {
	case MessageJob:
		d, err := DecodeReadJob(pdu)
		if err != nil {
			return err
		}
		s.Kind = KindReadJob
		s.requests = Translate(d)
		for _, it := range s.requests {
			s.Requests = append(s.Requests, ItemSummary{Item: it.String()})
		}
	case MessageAckData:
		d, err := DecodeReadJobAck(pdu)
		if err != nil {
			var s7err S7Error
			if d != nil && errors.As(err, &s7err) {
				s.Kind = KindReadJobAck
				s.Error = s7err.Error()
				return nil
			}
			return err
		}
		s.Kind = KindReadJobAck
		s.results = d.Items
		for _, it := range d.Items {
			item := ItemSummary{
				ReturnCode: it.ReturnCode.String(),
				Transport:  fmt.Sprintf("0x%02X", byte(it.TransportSize)),
				Data:       hex.EncodeToString(it.Data),
			}
			if ts, ok := impliedTransportSize(it.TransportSize, len(it.Data)); ok && it.ReturnCode.OK() {
				item.Value, _ = Value(ts, it.Data)
			}
			s.Results = append(s.Results, item)
		}
	}
	return nil
}

// impliedTransportSize guesses the request type of an ack item from its
// data transport size and length, for when the request is not known.
func impliedTransportSize(d DataTransportSize, n int) (TransportSize, bool) {
	switch d {
	case DataBit:
		return TransportBit, true
	case DataReal:
		return TransportReal, true
	case DataInteger:
		if n == 4 {
			return TransportDInt, true
		}
		return TransportInt, true
	case DataByte:
		switch n {
		case 2:
			return TransportWord, true
		case 4:
			return TransportDWord, true
		}
		return TransportByte, true
	}
	return 0, false
}

// ApplyRequest re-decodes the result values of a read job ack using the
// transport sizes of the job it answers, and labels each result with its
// request item. It reports false when job is not the matching read job.
func (s *FrameSummary) ApplyRequest(job *FrameSummary) bool {
	if s.Kind != KindReadJobAck || job == nil || job.Kind != KindReadJob {
		return false
	}
	if s.Ref != job.Ref || len(s.results) != len(job.requests) {
		return false
	}
	for i, r := range s.results {
		req := job.requests[i]
		s.Results[i].Item = req.String()
		if !r.ReturnCode.OK() {
			continue
		}
		if v, err := Value(req.TransportSize, r.Data); err == nil {
			s.Results[i].Value = v
		}
	}
	return true
}
