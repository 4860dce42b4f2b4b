package encoder

// Stats is a point-in-time view of a session.
type Stats struct {
	SessionID        string `json:"session_id"`
	Mode             string `json:"mode"`
	Initialized      bool   `json:"initialized"`
	Submitted        uint64 `json:"submitted"`
	NeedMoreInput    uint64 `json:"need_more_input"`
	Rejected         uint64 `json:"rejected"`
	Retired          uint64 `json:"retired"`
	Keyframes        uint64 `json:"keyframes"`
	BytesOut         uint64 `json:"bytes_out"`
	SinkErrors       uint64 `json:"sink_errors"`
	FastPathFrames   uint64 `json:"fast_path_frames"`
	FrameNumInGOP    int64  `json:"frame_num_in_gop"`
	InFlight         int    `json:"in_flight"`
	InputsAvailable  int    `json:"inputs_available"`
	OutputsAvailable int    `json:"outputs_available"`
	Fatal            string `json:"fatal,omitempty"`
}

// Stats returns the current counters. It does not wait for an in-progress
// EncodeFrame.
func (s *Session) Stats() Stats {
	st := Stats{
		SessionID:      s.id,
		Submitted:      s.submitted.Load(),
		NeedMoreInput:  s.needMoreInput.Load(),
		Rejected:       s.rejected.Load(),
		FastPathFrames: s.fastPath.Load(),
		FrameNumInGOP:  s.frameNumInGOP.Load(),
	}
	lv := s.live.Load()
	if lv == nil {
		return st
	}
	st.Initialized = true
	st.Mode = lv.mode
	st.Retired = lv.retirer.retired.Load()
	st.Keyframes = lv.retirer.keyframes.Load()
	st.BytesOut = lv.retirer.bytesOut.Load()
	st.SinkErrors = lv.retirer.sinkErrors.Load()
	st.InFlight = lv.retirer.Pending()
	st.InputsAvailable = lv.inputs.Available()
	st.OutputsAvailable = lv.outputs.Available()
	if err := lv.retirer.Err(); err != nil {
		st.Fatal = err.Error()
	}
	return st
}
