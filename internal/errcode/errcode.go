package errcode

// 错误码约定：
// - 0：无错误
// - 4xxx：可恢复的业务错误，提示给用户（参数错误、未付款、资源缺失）
// - 5xxx：系统错误（存储、上游、未知）
const (
	OK                  = 0
	ValidationFailed    = 4000
	PaymentRequired     = 4002
	PaymentRejected     = 4003
	ResourceMissing     = 4004
	InvalidTransition   = 4009
	RateLimited         = 4029
	SystemError         = 5000
	StorageUnavailable  = 5003
	UpstreamUnavailable = 5020
)
