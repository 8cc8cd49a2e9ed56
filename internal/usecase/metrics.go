package usecase

type nopMetrics struct{}

func (nopMetrics) RenewalSucceeded()        {}
func (nopMetrics) RenewalDenied(string)     {}
func (nopMetrics) TokenGraceAccepted()      {}
func (nopMetrics) TokenGraceRejected()      {}
func (nopMetrics) AuditVerification(bool)   {}
func (nopMetrics) SignatureRejected(string) {}

func metricsOrNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
