package simstack

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/stack"
)

// DefaultSBCConfig is the configuration every simulated sink negotiates.
var DefaultSBCConfig = stack.SBCConfig{
	SamplingFrequency: 44100,
	ChannelMode:       stack.ChannelJointStereo,
	BlockLength:       16,
	Subbands:          8,
	Allocation:        stack.AllocationLoudness,
	MinBitpool:        2,
	MaxBitpool:        53,
}

type a2dp struct{ s *Stack }

func (a a2dp) CreateStreamEndpoint(stack.SBCConfig) (uint8, stack.Status) {
	if st := a.s.call("a2dp.create_stream_endpoint"); !st.OK() {
		return 0, st
	}
	return localSEID, stack.StatusSuccess
}

func (a a2dp) EstablishStream(addr device.Address, seid uint8) (uint16, stack.Status) {
	s := a.s
	if st := s.call("a2dp.establish_stream"); !st.OK() {
		return 0, st
	}
	if s.state != stack.HCIWorking {
		return 0, stack.StatusCommandDisallowed
	}
	if _, ok := s.peerFor(addr, bt.ProfileA2DP.ServiceUUID()); !ok {
		s.emit(stack.A2DPSignalingEstablished{Address: addr, Status: stack.StatusConnectionTimeout})
		return 0, stack.StatusSuccess
	}

	s.nextCid++
	cid := s.nextCid
	s.a2dpCid = cid
	s.a2dpPeer = addr
	s.emit(stack.A2DPSignalingEstablished{Cid: cid, Address: addr})
	s.emit(stack.A2DPCodecConfigured{Cid: cid, LocalSEID: seid, RemoteSEID: remoteSEID, Config: DefaultSBCConfig})
	s.emit(stack.A2DPStreamEstablished{Cid: cid, Address: addr, LocalSEID: seid, RemoteSEID: remoteSEID})
	s.emit(stack.AVRCPConnectionEstablished{Cid: cid, Address: addr})
	return cid, stack.StatusSuccess
}

func (a a2dp) StartStream(cid uint16, seid uint8) stack.Status {
	s := a.s
	if st := s.call("a2dp.start_stream"); !st.OK() {
		return st
	}
	if cid == 0 || cid != s.a2dpCid {
		return stack.StatusUnknownConnectionID
	}
	s.emit(stack.A2DPStreamStarted{Cid: cid, LocalSEID: seid})
	return stack.StatusSuccess
}

func (a a2dp) PauseStream(cid uint16, seid uint8) stack.Status {
	s := a.s
	if st := s.call("a2dp.pause_stream"); !st.OK() {
		return st
	}
	if cid == 0 || cid != s.a2dpCid {
		return stack.StatusUnknownConnectionID
	}
	s.emit(stack.A2DPStreamSuspended{Cid: cid, LocalSEID: seid})
	return stack.StatusSuccess
}

func (a a2dp) Disconnect(cid uint16) stack.Status {
	s := a.s
	if st := s.call("a2dp.disconnect"); !st.OK() {
		return st
	}
	if cid == 0 || cid != s.a2dpCid {
		return stack.StatusUnknownConnectionID
	}
	s.a2dpCid = 0
	s.emit(stack.A2DPStreamReleased{Cid: cid, LocalSEID: localSEID})
	s.emit(stack.A2DPSignalingReleased{Cid: cid})
	s.emit(stack.AVRCPConnectionReleased{Cid: cid})
	return stack.StatusSuccess
}

func (a a2dp) MaxMediaPayloadSize(uint16, uint8) int { return a.s.opts.MaxMediaPayload }

func (a a2dp) RequestCanSendNow(cid uint16, seid uint8) {
	if cid == 0 || cid != a.s.a2dpCid {
		return
	}
	a.s.emit(stack.A2DPCanSendMediaPacketNow{Cid: cid, LocalSEID: seid})
}

func (a a2dp) SendMediaPayload(cid uint16, _ uint8, storage []byte, numFrames int, _ bool) stack.Status {
	s := a.s
	if cid == 0 || cid != s.a2dpCid {
		return stack.StatusUnknownConnectionID
	}
	s.mediaPackets++
	s.mediaFrames += numFrames
	s.mediaBytes += len(storage)
	return stack.StatusSuccess
}

type avrcp struct{ s *Stack }

func (a avrcp) SetSupportedEvents(events []stack.AVRCPEvent) {
	a.s.call("avrcp.set_supported_events")
	a.s.avrcpEvents = slices.Clone(events)
}

func (a avrcp) SetPlaybackStatus(_ uint16, status stack.PlaybackStatus) stack.Status {
	if st := a.s.call("avrcp.set_playback_status"); !st.OK() {
		return st
	}
	a.s.playback = status
	return stack.StatusSuccess
}

func (a avrcp) SetAbsoluteVolume(_ uint16, volume uint8) stack.Status {
	if st := a.s.call("avrcp.set_absolute_volume"); !st.OK() {
		return st
	}
	a.s.volume = volume
	return stack.StatusSuccess
}

func (a avrcp) EnableNotification(cid uint16, ev stack.AVRCPEvent) stack.Status {
	s := a.s
	if st := s.call("avrcp.enable_notification"); !st.OK() {
		return st
	}
	if ev == stack.AVRCPEventVolumeChanged {
		s.emit(stack.AVRCPControllerVolumeChanged{Cid: cid, Volume: s.volume, Interim: true})
	}
	return stack.StatusSuccess
}

type hfp struct{ s *Stack }

func (h hfp) Configure(cfg stack.HFPConfig) stack.Status {
	s := h.s
	if st := s.call("hfp.configure"); !st.OK() {
		return st
	}
	s.hfpConfig = cfg
	for _, ind := range cfg.Indicators {
		s.indicators[ind.Name] = ind.Value
	}
	return stack.StatusSuccess
}

func (h hfp) EstablishServiceLevel(addr device.Address) stack.Status {
	s := h.s
	if st := s.call("hfp.establish_service_level"); !st.OK() {
		return st
	}
	if s.state != stack.HCIWorking {
		return stack.StatusCommandDisallowed
	}
	if _, ok := s.peerFor(addr, bt.ProfileHFP.ServiceUUID()); !ok {
		s.emit(stack.HFPServiceLevelEstablished{Acl: bt.InvalidHandle, Address: addr, Status: stack.StatusConnectionTimeout})
		return stack.StatusSuccess
	}
	s.hfpAcl = firstACLHandle
	s.emit(stack.HFPServiceLevelEstablished{Acl: s.hfpAcl, Address: addr})
	return stack.StatusSuccess
}

func (h hfp) ReleaseServiceLevel(acl bt.Handle) stack.Status {
	s := h.s
	if st := s.call("hfp.release_service_level"); !st.OK() {
		return st
	}
	if !acl.Valid() || acl != s.hfpAcl {
		return stack.StatusUnknownConnectionID
	}
	if s.hfpSco.Valid() {
		s.hfpSco = bt.InvalidHandle
		s.emit(stack.HFPAudioReleased{})
	}
	s.hfpAcl = bt.InvalidHandle
	s.hfpRinging = false
	s.emit(stack.HFPServiceLevelReleased{})
	return stack.StatusSuccess
}

func (h hfp) EstablishAudio(acl bt.Handle) stack.Status {
	s := h.s
	if st := s.call("hfp.establish_audio"); !st.OK() {
		return st
	}
	if !acl.Valid() || acl != s.hfpAcl {
		return stack.StatusUnknownConnectionID
	}
	codec := bt.CodecCVSD
	if slices.Contains(s.hfpConfig.Codecs, bt.CodecMSBC) {
		codec = bt.CodecMSBC
	}
	s.hfpSco = firstSCOHandle
	s.emit(stack.HFPAudioEstablished{Sco: s.hfpSco, Codec: codec})
	return stack.StatusSuccess
}

func (h hfp) ReleaseAudio(acl bt.Handle) stack.Status {
	s := h.s
	if st := s.call("hfp.release_audio"); !st.OK() {
		return st
	}
	if !acl.Valid() || acl != s.hfpAcl || !s.hfpSco.Valid() {
		return stack.StatusCommandDisallowed
	}
	s.hfpSco = bt.InvalidHandle
	s.emit(stack.HFPAudioReleased{})
	return stack.StatusSuccess
}

func (h hfp) SetIndicator(name string, value int) stack.Status {
	if st := h.s.call("hfp.set_indicator"); !st.OK() {
		return st
	}
	h.s.indicators[name] = value
	return stack.StatusSuccess
}

func (h hfp) SetOperatorName(name string) stack.Status {
	if st := h.s.call("hfp.set_operator"); !st.OK() {
		return st
	}
	h.s.operator = name
	return stack.StatusSuccess
}

func (h hfp) SetClip(int, string) stack.Status { return h.s.call("hfp.set_clip") }

func (h hfp) IncomingCall() stack.Status {
	s := h.s
	if st := s.call("hfp.incoming_call"); !st.OK() {
		return st
	}
	if s.hfpAcl.Valid() && !s.hfpRinging {
		s.hfpRinging = true
		s.emit(stack.HFPStartRinging{})
	}
	return stack.StatusSuccess
}

func (h hfp) OutgoingCallInitiated(string) stack.Status {
	return h.s.call("hfp.outgoing_call_initiated")
}

func (h hfp) OutgoingCallAccepted() stack.Status { return h.s.call("hfp.outgoing_call_accepted") }

func (h hfp) OutgoingCallRejected() stack.Status { return h.s.call("hfp.outgoing_call_rejected") }

func (h hfp) OutgoingCallEstablished() stack.Status {
	return h.s.call("hfp.outgoing_call_established")
}

func (h hfp) AnswerIncomingCall() stack.Status {
	st := h.s.call("hfp.answer_incoming_call")
	h.stopRinging()
	return st
}

func (h hfp) TerminateCall() stack.Status {
	st := h.s.call("hfp.terminate_call")
	h.stopRinging()
	return st
}

func (h hfp) CallDropped() stack.Status {
	st := h.s.call("hfp.call_dropped")
	h.stopRinging()
	return st
}

func (h hfp) stopRinging() {
	if h.s.hfpRinging {
		h.s.hfpRinging = false
		h.s.emit(stack.HFPStopRinging{})
	}
}

func (h hfp) SendDTMFCodeDone(bt.Handle) stack.Status { return h.s.call("hfp.dtmf_done") }

func (h hfp) SendPhoneNumberForVoiceTag(bt.Handle, string) stack.Status {
	return h.s.call("hfp.voice_tag_number")
}

func (h hfp) SetSpeakerGain(bt.Handle, int) stack.Status { return h.s.call("hfp.set_speaker_gain") }

func (h hfp) SetMicrophoneGain(bt.Handle, int) stack.Status {
	return h.s.call("hfp.set_microphone_gain")
}

type hsp struct{ s *Stack }

func (h hsp) Configure(string) stack.Status { return h.s.call("hsp.configure") }

func (h hsp) Connect(addr device.Address) stack.Status {
	s := h.s
	if st := s.call("hsp.connect"); !st.OK() {
		return st
	}
	if s.state != stack.HCIWorking {
		return stack.StatusCommandDisallowed
	}
	if _, ok := s.peerFor(addr, bt.ProfileHSP.ServiceUUID()); !ok {
		s.emit(stack.HSPRFCOMMConnected{Status: stack.StatusConnectionTimeout})
		return stack.StatusSuccess
	}
	s.hspConnected = true
	s.emit(stack.HSPRFCOMMConnected{})
	return stack.StatusSuccess
}

func (h hsp) Disconnect() stack.Status {
	s := h.s
	if st := s.call("hsp.disconnect"); !st.OK() {
		return st
	}
	if !s.hspConnected {
		return stack.StatusCommandDisallowed
	}
	if s.hspSco.Valid() {
		s.hspSco = bt.InvalidHandle
		s.emit(stack.HSPAudioDisconnected{})
	}
	s.hspConnected = false
	s.emit(stack.HSPRFCOMMDisconnected{})
	return stack.StatusSuccess
}

func (h hsp) EstablishAudio() stack.Status {
	s := h.s
	if st := s.call("hsp.establish_audio"); !st.OK() {
		return st
	}
	if !s.hspConnected {
		return stack.StatusCommandDisallowed
	}
	s.hspSco = firstSCOHandle + 1
	s.emit(stack.HSPAudioConnected{Sco: s.hspSco})
	return stack.StatusSuccess
}

func (h hsp) ReleaseAudio() stack.Status {
	s := h.s
	if st := s.call("hsp.release_audio"); !st.OK() {
		return st
	}
	if !s.hspSco.Valid() {
		return stack.StatusCommandDisallowed
	}
	s.hspSco = bt.InvalidHandle
	s.emit(stack.HSPAudioDisconnected{})
	return stack.StatusSuccess
}

func (h hsp) StartRinging() stack.Status         { return h.s.call("hsp.start_ringing") }
func (h hsp) StopRinging() stack.Status          { return h.s.call("hsp.stop_ringing") }
func (h hsp) SetSpeakerGain(int) stack.Status    { return h.s.call("hsp.set_speaker_gain") }
func (h hsp) SetMicrophoneGain(int) stack.Status { return h.s.call("hsp.set_microphone_gain") }

type sco struct{ s *Stack }

func (c sco) live(handle bt.Handle) bool {
	return handle.Valid() && (handle == c.s.hfpSco || handle == c.s.hspSco)
}

func (c sco) RequestCanSendNow() {
	s := c.s
	if !s.hfpSco.Valid() && !s.hspSco.Valid() {
		return
	}
	s.emitAfter(s.opts.SCOInterval, stack.SCOCanSendNow{})
}

func (c sco) PacketLength() int { return c.s.opts.SCOPacketLength }

func (c sco) Send(handle bt.Handle, payload []byte) stack.Status {
	s := c.s
	if !c.live(handle) {
		return stack.StatusUnknownConnectionID
	}
	s.scoSent++
	if len(payload) != s.opts.SCOPacketLength {
		s.scoBadLengths++
	}
	if s.opts.SCOLoopback {
		s.emit(stack.SCOData{Handle: handle, Payload: slices.Clone(payload)})
	}
	return stack.StatusSuccess
}

type codecs struct{}

func (codecs) NewSBCEncoder(cfg stack.SBCConfig) (stack.SBCEncoder, error) {
	if cfg.Subbands != 4 && cfg.Subbands != 8 {
		return nil, fmt.Errorf("sbc: invalid subbands %d", cfg.Subbands)
	}
	switch cfg.BlockLength {
	case 4, 8, 12, 16:
	default:
		return nil, fmt.Errorf("sbc: invalid block length %d", cfg.BlockLength)
	}
	if cfg.MaxBitpool < 2 || cfg.MaxBitpool > 250 {
		return nil, fmt.Errorf("sbc: invalid bitpool %d", cfg.MaxBitpool)
	}
	return &sbcEncoder{cfg: cfg, frameLen: SBCFrameLength(cfg)}, nil
}

func (codecs) NewVoiceDecoder(codec bt.Codec) (stack.VoiceDecoder, error) {
	switch codec {
	case bt.CodecCVSD:
		return &cvsdDecoder{}, nil
	case bt.CodecMSBC:
		return &msbcDecoder{}, nil
	default:
		return nil, fmt.Errorf("no decoder for codec %s", codec)
	}
}

// SBCFrameLength is the encoded size of one SBC frame at the maximum
// bitpool of cfg.
func SBCFrameLength(cfg stack.SBCConfig) int {
	ch := cfg.ChannelMode.Channels()
	blocks, sb, bitpool := cfg.BlockLength, cfg.Subbands, cfg.MaxBitpool
	n := 4 + (4*sb*ch)/8
	switch cfg.ChannelMode {
	case stack.ChannelMono, stack.ChannelDualChannel:
		n += ceilDiv(blocks*ch*bitpool, 8)
	case stack.ChannelStereo:
		n += ceilDiv(blocks*bitpool, 8)
	default:
		n += ceilDiv(sb+blocks*bitpool, 8)
	}
	return n
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

const sbcSyncword = 0x9C

type sbcEncoder struct {
	cfg      stack.SBCConfig
	frameLen int
}

func (e *sbcEncoder) SamplesPerFrame() int { return e.cfg.BlockLength * e.cfg.Subbands }
func (e *sbcEncoder) FrameLength() int     { return e.frameLen }
func (e *sbcEncoder) Channels() int        { return e.cfg.ChannelMode.Channels() }

// Encode produces a frame with a valid header whose payload folds the PCM
// input. It is not a real SBC bitstream.
func (e *sbcEncoder) Encode(pcm []int16) []byte {
	frame := make([]byte, e.frameLen)
	frame[0] = sbcSyncword
	frame[1] = byte(e.cfg.ChannelMode)<<2 | byte(e.cfg.Allocation)<<1
	frame[2] = byte(e.cfg.MaxBitpool)
	body := frame[4:]
	for i, v := range pcm {
		body[i%len(body)] ^= byte(v) ^ byte(v>>8)
	}
	return frame
}

// cvsdDecoder passes through 16-bit PCM delivered by the controller and
// conceals bad frames by repeating the last good one.
type cvsdDecoder struct {
	last []byte
}

func (d *cvsdDecoder) Codec() bt.Codec { return bt.CodecCVSD }

func (d *cvsdDecoder) Decode(payload []byte, badFrame bool) []byte {
	out := make([]byte, len(payload))
	if badFrame {
		if len(d.last) == len(out) {
			copy(out, d.last)
		}
		return out
	}
	copy(out, payload)
	d.last = slices.Clone(out)
	return out
}

// msbcDecoder expands every payload byte into two 16-bit samples.
type msbcDecoder struct {
	last []byte
}

func (d *msbcDecoder) Codec() bt.Codec { return bt.CodecMSBC }

func (d *msbcDecoder) Decode(payload []byte, badFrame bool) []byte {
	out := make([]byte, 4*len(payload))
	if badFrame {
		if len(d.last) == len(out) {
			copy(out, d.last)
		}
		return out
	}
	for i, b := range payload {
		sample := uint16(int16(int(b)-128) << 8)
		binary.LittleEndian.PutUint16(out[4*i:], sample)
		binary.LittleEndian.PutUint16(out[4*i+2:], sample)
	}
	d.last = slices.Clone(out)
	return out
}
