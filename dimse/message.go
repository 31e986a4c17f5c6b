package dimse

import "github.com/otcheredev/dicom-assoc-client/pdu"

// Message is one fully reassembled DIMSE exchange unit: a command set plus
// its optional data set, as delivered by the wire once all PDVs for both
// streams have arrived.
type Message struct {
	Command *Command
	Dataset []byte
}

// BuildPDVs fragments a command set (and optional data set) into PDVs
// ready to hand to a connection's WritePDU, fragmented to fit within
// maxFragment bytes per spec §4.1/§4.4. The command stream is always
// flushed before the data stream, matching PS3.8's required ordering.
func BuildPDVs(contextID byte, command *Command, dataset []byte, maxFragment int) []pdu.PDV {
	commandBytes := EncodeCommand(command)
	pdvs := pdu.FragmentStream(contextID, true, commandBytes, maxFragment)
	if command.HasDataSet() {
		pdvs = append(pdvs, pdu.FragmentStream(contextID, false, dataset, maxFragment)...)
	}
	return pdvs
}

// Demultiplexer accumulates inbound PDVs per presentation context ID and
// yields completed Messages once both the command stream (and the data
// stream, if the command set declares one present) have seen their final
// fragment. A single association may interleave PDVs from more than one
// presentation context only across distinct DIMSE exchanges — for a given
// exchange, the peer sends contiguous PDVs for one context ID, but the
// demultiplexer tolerates genuinely interleaved contexts since it keys
// reassembly state by context ID.
type Demultiplexer struct {
	byContext map[byte]*contextState
}

type contextState struct {
	reassembler  *pdu.Reassembler
	command      *Command
	commandReady bool
}

// NewDemultiplexer returns an empty Demultiplexer.
func NewDemultiplexer() *Demultiplexer {
	return &Demultiplexer{byContext: make(map[byte]*contextState)}
}

// Feed adds one PDV to the demultiplexer and returns a completed Message
// (and true) once its exchange is fully reassembled, or (nil, false) if
// more PDVs are still expected.
func (d *Demultiplexer) Feed(p pdu.PDV) (*Message, bool, error) {
	st, ok := d.byContext[p.ContextID]
	if !ok {
		st = &contextState{reassembler: pdu.NewReassembler()}
		d.byContext[p.ContextID] = st
	}

	st.reassembler.Add(p)

	if !st.commandReady && st.reassembler.CommandReady() {
		cmd, err := DecodeCommand(st.reassembler.Command())
		if err != nil {
			return nil, false, err
		}
		st.command = cmd
		st.commandReady = true
	}

	if !st.commandReady {
		return nil, false, nil
	}

	if !st.reassembler.Done(st.command.HasDataSet()) {
		return nil, false, nil
	}

	msg := &Message{Command: st.command, Dataset: st.reassembler.Data()}
	delete(d.byContext, p.ContextID)
	return msg, true, nil
}
