package request

// Status 付费简历下载的生命周期
type Status string

const (
	StatusIdle           Status = "idle"
	StatusInitiating     Status = "initiating"
	StatusPendingPayment Status = "pending_payment"
	StatusVerifying      Status = "verifying"
	StatusGeneratingPDF  Status = "generating_pdf"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

var transitions = map[Status][]Status{
	StatusIdle:           {StatusInitiating},
	StatusInitiating:     {StatusPendingPayment, StatusFailed},
	StatusPendingPayment: {StatusVerifying, StatusGeneratingPDF, StatusFailed},
	StatusVerifying:      {StatusPendingPayment, StatusGeneratingPDF, StatusFailed},
	StatusGeneratingPDF:  {StatusCompleted, StatusFailed},
	// 已付款的请求可以重新生成，例如更换模板
	StatusCompleted:      {StatusGeneratingPDF},
	StatusFailed:         {StatusGeneratingPDF},
}

// Terminal 判断是否可以停止轮询
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition 判断 from -> to 是否允许
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sourcesOf 列出可以转到 to 的所有状态
func sourcesOf(to Status) []string {
	var out []string
	for from, nexts := range transitions {
		for _, n := range nexts {
			if n == to {
				out = append(out, string(from))
			}
		}
	}
	return out
}
