// Package payment 在放行简历请求前检查用户粘贴的移动支付短信收据
//
// 这项检查只为方便用户，用来拦截明显不是该商户收据的文本，
// 并不能证明已付款，以支付方回调为准
package payment

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"
)

const (
	MinSMSLength = 140
	MaxSMSLength = 170
)

// Rule 收据必须包含的一项要素
type Rule string

const (
	RuleLength        Rule = "length"
	RuleTransactionID Rule = "transaction_id"
	RuleConfirmed     Rule = "confirmed"
	RuleAmount        Rule = "amount"
	RuleSentTo        Rule = "sent_to"
	RuleMerchantName  Rule = "merchant_name"
	RuleMerchantNum   Rule = "merchant_number"
	RuleChannel       Rule = "channel"
	RuleSenderPhone   Rule = "sender_phone"
	RuleTimestamp     Rule = "timestamp"
	// RuleReceiptUsed 不对应正则：该交易已为其他请求付过款
	RuleReceiptUsed   Rule = "receipt_used"
)

// Merchant 有效收据必须包含的商户信息
type Merchant struct {
	Name     string
	Number   string
	Amount   int
	Currency string
	Channels []string
}

// Receipt 从通过校验的短信中提取的值
type Receipt struct {
	TransactionID string `json:"transactionId"`
	Channel       string `json:"channel"`
	SenderPhone   string `json:"senderPhone"`
	Date          string `json:"date"`
	Time          string `json:"time"`
}

// ValidationError 未通过的规则以及调用方语言的提示信息
type ValidationError struct {
	Failed  []Rule
	Message string
	Lang    language.Tag
}

func (e *ValidationError) Error() string { return e.Message }

var (
	txIDPattern  = regexp.MustCompile(`\b[A-Z0-9]{10}\b`)
	confirmedPat = regexp.MustCompile(`(?i)\bconfirmed\b`)
	sentToPat    = regexp.MustCompile(`(?i)\bsent\s+to\b`)
	phonePattern = regexp.MustCompile(`(?:\+?255|\b0)[67]\d{8}\b`)
	datePattern  = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/(?:\d{4}|\d{2})\b`)
	timePattern  = regexp.MustCompile(`(?i)\b\d{1,2}:\d{2}(?:\s?[AP]M)?\b`)
)

type rule struct {
	name  Rule
	match func(msg string, r *Receipt) bool
}

// Validator 按单个商户配置检查收据
type Validator struct {
	merchant Merchant
	rules    []rule
}

func NewValidator(m Merchant) (*Validator, error) {
	if strings.TrimSpace(m.Name) == "" || strings.TrimSpace(m.Number) == "" {
		return nil, fmt.Errorf("payment: merchant name and number are required")
	}
	if m.Amount <= 0 {
		return nil, fmt.Errorf("payment: amount must be positive")
	}
	if len(m.Channels) == 0 {
		return nil, fmt.Errorf("payment: at least one channel is required")
	}
	if m.Currency == "" {
		m.Currency = "TSh"
	}

	amountPat, err := regexp.Compile(amountExpr(m.Currency, m.Amount))
	if err != nil {
		return nil, fmt.Errorf("payment: amount pattern: %w", err)
	}
	namePat, err := regexp.Compile(`(?i)` + looseWords(m.Name))
	if err != nil {
		return nil, fmt.Errorf("payment: merchant pattern: %w", err)
	}
	merchantLocal := localPhone(m.Number)

	channelPats := make([]*regexp.Regexp, 0, len(m.Channels))
	for _, c := range m.Channels {
		p, err := regexp.Compile(`(?i)\b` + looseWords(c) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("payment: channel pattern %q: %w", c, err)
		}
		channelPats = append(channelPats, p)
	}

	v := &Validator{merchant: m}
	v.rules = []rule{
		{RuleTransactionID, func(msg string, r *Receipt) bool {
			for _, cand := range txIDPattern.FindAllString(msg, -1) {
				if strings.ContainsAny(cand, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") && strings.ContainsAny(cand, "0123456789") {
					r.TransactionID = cand
					return true
				}
			}
			return false
		}},
		{RuleConfirmed, func(msg string, _ *Receipt) bool { return confirmedPat.MatchString(msg) }},
		{RuleAmount, func(msg string, _ *Receipt) bool { return amountPat.MatchString(msg) }},
		{RuleSentTo, func(msg string, _ *Receipt) bool { return sentToPat.MatchString(msg) }},
		{RuleMerchantName, func(msg string, _ *Receipt) bool { return namePat.MatchString(msg) }},
		{RuleMerchantNum, func(msg string, _ *Receipt) bool {
			for _, p := range phonePattern.FindAllString(msg, -1) {
				if localPhone(p) == merchantLocal {
					return true
				}
			}
			return false
		}},
		{RuleChannel, func(msg string, r *Receipt) bool {
			for i, p := range channelPats {
				if p.MatchString(msg) {
					r.Channel = m.Channels[i]
					return true
				}
			}
			return false
		}},
		{RuleSenderPhone, func(msg string, r *Receipt) bool {
			for _, p := range phonePattern.FindAllString(msg, -1) {
				if lp := localPhone(p); lp != merchantLocal {
					r.SenderPhone = lp
					return true
				}
			}
			return false
		}},
		{RuleTimestamp, func(msg string, r *Receipt) bool {
			d := datePattern.FindString(msg)
			t := timePattern.FindString(msg)
			if d == "" || t == "" {
				return false
			}
			r.Date, r.Time = d, t
			return true
		}},
	}
	return v, nil
}

// Validate 只在长度合规且所有规则都匹配时接受 msg
// 失败时返回按 lang 本地化的 *ValidationError
func (v *Validator) Validate(msg string, lang language.Tag) (*Receipt, error) {
	msg = strings.TrimSpace(msg)
	var failed []Rule

	n := utf8.RuneCountInString(msg)
	if n < MinSMSLength || n > MaxSMSLength {
		failed = append(failed, RuleLength)
	}

	var r Receipt
	for _, rl := range v.rules {
		if !rl.match(msg, &r) {
			failed = append(failed, rl.name)
		}
	}
	if len(failed) > 0 {
		return nil, newValidationError(failed, lang, v.merchant, n)
	}
	return &r, nil
}

// Rules 按检查顺序列出所有规则
func (v *Validator) Rules() []Rule {
	out := []Rule{RuleLength}
	for _, rl := range v.rules {
		out = append(out, rl.name)
	}
	return out
}

// amountExpr 接受 "TSh5,000.00"、"TSh 5000"、"Tsh5,000" 以及 TZS 写法，金额
// 必须到此结束："TSh5,000.50" 和 "TSh5,000,000" 是其他金额
func amountExpr(currency string, amount int) string {
	digits := strconv.Itoa(amount)
	var grouped strings.Builder
	for i, ch := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			grouped.WriteString(",?")
		}
		grouped.WriteRune(ch)
	}
	return `(?i)(?:` + regexp.QuoteMeta(currency) + `|TZS)\.?\s?` + grouped.String() + `(?:\.00)?(?:[^\d.,]|[.,](?:\D|$)|$)`
}

// looseWords 允许单词间的空格和连字符变化："M-Pesa" 可匹配 "M Pesa" 和 "MPesa"
func looseWords(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '-' })
	for i, f := range fields {
		fields[i] = regexp.QuoteMeta(f)
	}
	return strings.Join(fields, `[-\s]?`)
}

// localPhone 将 +255/255 开头的号码转为 0 开头的本地格式
func localPhone(p string) string {
	p = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, p)
	if strings.HasPrefix(p, "255") && len(p) == 12 {
		return "0" + p[3:]
	}
	return p
}
