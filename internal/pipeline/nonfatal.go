package pipeline

import "jobmatch-backend/internal/shared/telemetry"

// nonFatal logs a failed side effect. Side effects never abort the primary write.
func nonFatal(op string, tc *TaskContext, err error) {
	if err == nil {
		return
	}
	fields := map[string]any{
		"op":    op,
		"error": err,
	}
	if tc != nil {
		fields["service_id"] = tc.Task.ServiceID
		fields["task_id"] = tc.Task.TaskID
		fields["template_id"] = tc.Task.TemplateID
		fields["request_id"] = tc.Task.RequestID
	}
	telemetry.Warn("pipeline.side_effect.failed", fields)
}
