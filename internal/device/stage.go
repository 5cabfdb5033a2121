package device

// Stage is a pipeline stage at which a semaphore wait takes effect.
// Stages are ordered: a wait gated at stage S blocks every phase of the
// waiting work whose stage is S or later, and nothing before it.
type Stage uint8

const (
	StageTopOfPipe Stage = iota
	StageComputeShader
	StageVertexInput
	StageVertexShader
	StageFragmentShader
	StageColorAttachmentOutput
	StageBottomOfPipe
)

var stageNames = [...]string{
	StageTopOfPipe:             "top-of-pipe",
	StageComputeShader:         "compute-shader",
	StageVertexInput:           "vertex-input",
	StageVertexShader:          "vertex-shader",
	StageFragmentShader:        "fragment-shader",
	StageColorAttachmentOutput: "color-attachment-output",
	StageBottomOfPipe:          "bottom-of-pipe",
}

// String returns the stage name.
func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown-stage"
}
