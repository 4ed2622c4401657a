package web

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/davidgeorgehope/livelabs.cc/internal/events"
	"github.com/davidgeorgehope/livelabs.cc/internal/metrics"
	"github.com/davidgeorgehope/livelabs.cc/internal/runner"
	"github.com/davidgeorgehope/livelabs.cc/internal/store"
)

// executeResponse is the outcome of one step script run, including whether
// the run moved the learner forward.
type executeResponse struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
	Advanced   bool   `json:"advanced"`
	Completed  bool   `json:"completed"`
}

// apiExecute runs a step's setup or validation script in a one-shot sandbox
// container. A successful validation of the current step advances the
// enrollment; validating the last step completes it.
func (s *Server) apiExecute(w http.ResponseWriter, r *http.Request) {
	enr, ok := s.enrollmentForRequest(w, r)
	if !ok {
		return
	}
	tr, ok := s.trackForEnrollment(w, enr)
	if !ok {
		return
	}

	order, err := strconv.Atoi(r.PathValue("order"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid step order")
		return
	}
	step := tr.StepByOrder(order)
	if step == nil {
		writeError(w, http.StatusNotFound, "Step not found")
		return
	}

	var req struct {
		ScriptType string `json:"script_type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var script string
	switch req.ScriptType {
	case store.ScriptSetup:
		script = step.SetupScript
	case store.ScriptValidation:
		script = step.ValidationScript
	default:
		writeError(w, http.StatusBadRequest, "Invalid script type. Use 'setup' or 'validation'")
		return
	}

	if order > enr.CurrentStep {
		writeError(w, http.StatusForbidden, "Cannot execute steps ahead of current progress")
		return
	}

	exec := store.Execution{
		ID:           uuid.NewString(),
		EnrollmentID: enr.ID,
		StepOrder:    &order,
		ScriptType:   req.ScriptType,
		Status:       store.ExecutionRunning,
		StartedAt:    s.deps.Clock.Now().UTC(),
	}
	if err := s.deps.Store.CreateExecution(exec); err != nil {
		s.deps.Log.Error("create execution", "enrollment_id", enr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not record execution")
		return
	}

	res := s.deps.Runner.Run(r.Context(), runner.Request{
		Script: script,
		Env:    tr.EnvSecrets,
		Image:  tr.DockerImage,
	})

	exec.Status = store.ExecutionSuccess
	if !res.Success {
		exec.Status = store.ExecutionFailed
	}
	exitCode := res.ExitCode
	exec.ExitCode = &exitCode
	exec.Stdout = res.Stdout
	exec.Stderr = res.Stderr
	exec.DurationMS = res.DurationMS
	finished := s.deps.Clock.Now().UTC()
	exec.FinishedAt = &finished
	if err := s.deps.Store.FinalizeExecution(exec); err != nil {
		s.deps.Log.Warn("finalize execution", "execution_id", exec.ID, "error", err)
	}
	metrics.ExecutionsTotal.WithLabelValues(req.ScriptType, exec.Status).Inc()

	advanced, completed := false, false
	if req.ScriptType == store.ScriptValidation && res.Success && order == enr.CurrentStep {
		last := order >= len(tr.Steps)
		_, moved, err := s.deps.Store.AdvanceStep(enr.ID, order, last, s.deps.Clock.Now().UTC())
		if err != nil {
			s.deps.Log.Error("advance step", "enrollment_id", enr.ID, "error", err)
		}
		advanced = moved
		completed = moved && last
	}

	s.deps.Bus.Publish(events.Event{
		Type:         events.EventExecution,
		EnrollmentID: enr.ID,
		Step:         order,
		Status:       exec.Status,
		Message:      req.ScriptType,
		Timestamp:    s.deps.Clock.Now().UTC(),
		UserID:       enr.UserID,
	})

	s.deps.Log.Info("step script executed",
		"enrollment_id", enr.ID, "step", order, "script_type", req.ScriptType,
		"success", res.Success, "duration_ms", res.DurationMS)

	writeJSON(w, http.StatusOK, executeResponse{
		Success:    res.Success,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: res.DurationMS,
		Advanced:   advanced,
		Completed:  completed,
	})
}
