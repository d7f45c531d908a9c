package protocol

// HelloPayload is presented by an Agent on connect (spec.md §4.B).
type HelloPayload struct {
	Namespace      string `json:"namespace"`
	MacAddr        string `json:"mac_addr"`
	IP             string `json:"ip"`
	SysUser        string `json:"sys_user"`
	SSHPort        int    `json:"ssh_port"`
	AssignUsername string `json:"assign_username,omitempty"`
	AssignPassword string `json:"assign_password,omitempty"`
	CometSecret    string `json:"comet_secret"`
}

// WelcomePayload is the Comet's reply once resolve_identity succeeds.
type WelcomePayload struct {
	InstanceID     string `json:"instance_id"`
	AssignedUserID string `json:"assigned_user_id,omitempty"`
}

// HeartbeatPayload carries liveness and a load snapshot.
type HeartbeatPayload struct {
	InstanceID  string  `json:"instance_id"`
	LoadAverage float64 `json:"load_average"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
}

// ExecPayload starts a subprocess on the agent.
type ExecPayload struct {
	ScheduleID    string `json:"schedule_id"`
	RunID         string `json:"run_id"`
	Eid           string `json:"eid"`
	Executor      string `json:"executor"`
	ReadFromStdin bool   `json:"read_code_from_stdin"`
	Code          string `json:"code"`
	Args          string `json:"args"`
	WorkDir       string `json:"work_dir"`
	WorkUser      string `json:"work_user"`
	TimeoutSecond int    `json:"timeout_s"`
	MaxParallel   int    `json:"max_parallel"`

	// BundleSteps is non-empty only for bundle jobs; each step is
	// resolved (executor, code, args) ready for sequential execution.
	BundleSteps []BundleStep `json:"bundle_steps,omitempty"`
}

// BundleStep is one resolved bundle_script entry.
type BundleStep struct {
	EidRef          string `json:"eid_ref"`
	Executor        string `json:"executor"`
	ReadFromStdin   bool   `json:"read_code_from_stdin"`
	Code            string `json:"code"`
	Args            string `json:"args"`
	ContinueOnError bool   `json:"continue_on_error"`
}

// ExecAck is the synchronous accepted/rejected reply to an ExecPayload.
type ExecAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// KillPayload terminates matching live processes. An empty RunID kills
// every live process for (Eid, target instance) per spec.md §4.C.
type KillPayload struct {
	ScheduleID string `json:"schedule_id"`
	Eid        string `json:"eid"`
	RunID      string `json:"run_id,omitempty"`
}

// KillAck reports how many processes were terminated.
type KillAck struct {
	Killed int `json:"killed"`
}

// StartTimerPayload / StopTimerPayload support the optional
// agent-delegated cron mode (spec.md §4.A).
type StartTimerPayload struct {
	TimerID  string `json:"timer_id"`
	Eid      string `json:"eid"`
	CronExpr string `json:"cron_expr"`
}

type StopTimerPayload struct {
	TimerID string `json:"timer_id"`
}

// OutputPayload streams one chunk of a run's combined stdout/stderr.
type OutputPayload struct {
	RunID string `json:"run_id"`
	Chunk []byte `json:"chunk"`
	// StepIndex distinguishes bundle steps; zero for non-bundle jobs.
	StepIndex int `json:"step_index"`
}

// CompletedPayload finalizes one run.
type CompletedPayload struct {
	RunID      string `json:"run_id"`
	ExitCode   int    `json:"exit_code"`
	ExitStatus string `json:"exit_status"`
	StartTime  int64  `json:"start_time"`
	EndTime    int64  `json:"end_time"`
	Truncated  bool   `json:"truncated"`
	// BundleResults is non-empty only for bundle jobs.
	BundleResults []BundleStepOutcome `json:"bundle_results,omitempty"`
}

// BundleStepOutcome is one step's outcome within a completed bundle run.
type BundleStepOutcome struct {
	EidRef     string `json:"eid_ref"`
	ExitCode   int    `json:"exit_code"`
	ExitStatus string `json:"exit_status"`
	Output     string `json:"output"`
	Skipped    bool   `json:"skipped"`
}

// SSHOpenPayload opens an interactive shell channel multiplexed over the
// same link; the Agent dials its local sshd as a client using either the
// supplied auth or its own assign_username/assign_password.
type SSHOpenPayload struct {
	ChannelID string `json:"channel_id"`
	User      string `json:"user"`
	Password  string `json:"password,omitempty"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
}

type SSHDataPayload struct {
	ChannelID string `json:"channel_id"`
	Bytes     []byte `json:"bytes"`
}

type SSHResizePayload struct {
	ChannelID string `json:"channel_id"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
}

type SSHClosePayload struct {
	ChannelID string `json:"channel_id"`
	Reason    string `json:"reason,omitempty"`
}

// DispatchFailedPayload is synthesized by Comet for an unknown or
// offline target, or on link close for every outstanding correlation on
// that link (spec.md §4.B).
type DispatchFailedPayload struct {
	Reason string `json:"reason"`
}

const (
	ReasonNotConnected  = "not_connected"
	ReasonLinkClosed    = "link_closed"
	ReasonParallelLimit = "parallel_limit"
)

// LaggingPayload reports that a link's bounded queue overflowed and the
// slower side was dropped (spec.md §4.B, back-pressure).
type LaggingPayload struct {
	Direction string `json:"direction"`
	Dropped   int    `json:"dropped"`
}
