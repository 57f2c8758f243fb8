package event

// NewAuthenticationEvent records a login-style attempt. Failures default to
// severity warning. opts are applied after the defaults.
func NewAuthenticationEvent(actor Actor, action string, success bool, opts ...Option) (AuditEvent, error) {
	defaults := []Option{WithOutcome(OutcomeSuccess, ""), WithSeverity(SeverityInfo)}
	if !success {
		defaults = []Option{WithOutcome(OutcomeFailure, ""), WithSeverity(SeverityWarning)}
	}
	return New(TypeAuthentication, action, actor, append(defaults, opts...)...)
}

func NewDataAccessEvent(actor Actor, target Target, action string, opts ...Option) (AuditEvent, error) {
	return New(TypeDataAccess, action, actor, append([]Option{WithTarget(target)}, opts...)...)
}

// NewSecurityEvent defaults to outcome failure and severity warning.
func NewSecurityEvent(actor Actor, action string, opts ...Option) (AuditEvent, error) {
	defaults := []Option{WithOutcome(OutcomeFailure, ""), WithSeverity(SeverityWarning)}
	return New(TypeSecurity, action, actor, append(defaults, opts...)...)
}
