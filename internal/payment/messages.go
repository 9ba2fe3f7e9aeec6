package payment

import (
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

var supported = []language.Tag{language.English, language.Swahili}

var matcher = language.NewMatcher(supported)

var messages = catalog.NewBuilder(catalog.Fallback(language.English))

const keyIntro = "The SMS you pasted does not look like a payment receipt for %s."

var ruleText = map[Rule][2]string{
	RuleLength: {
		"Paste the whole SMS (between %d and %d characters, got %d).",
		"Bandika SMS nzima (herufi %d hadi %d, umeweka %d).",
	},
	RuleTransactionID: {"The transaction ID is missing.", "Namba ya muamala haipo."},
	RuleConfirmed:     {"The word \"Confirmed\" is missing.", "Neno \"Confirmed\" halipo."},
	RuleAmount:        {"The amount must be %s.", "Kiasi lazima kiwe %s."},
	RuleSentTo:        {"The receipt must say the money was sent to us.", "Ujumbe lazima uonyeshe pesa zimetumwa kwetu."},
	RuleMerchantName:  {"The recipient name %s is missing.", "Jina la mpokeaji %s halipo."},
	RuleMerchantNum:   {"The recipient number %s is missing.", "Namba ya mpokeaji %s haipo."},
	RuleChannel:       {"The mobile money service is not recognised.", "Huduma ya pesa kwa simu haitambuliki."},
	RuleSenderPhone:   {"Your phone number is missing.", "Namba yako ya simu haipo."},
	RuleTimestamp:     {"The date and time of the payment are missing.", "Tarehe na saa ya malipo hazipo."},
	RuleReceiptUsed:   {"This receipt was already used for another download.", "Risiti hii imeshatumika kwa upakuaji mwingine."},
}

func init() {
	_ = messages.SetString(language.English, keyIntro, keyIntro)
	_ = messages.SetString(language.Swahili, keyIntro, "SMS uliyobandika haionekani kuwa risiti ya malipo kwa %s.")
	for _, t := range ruleText {
		_ = messages.SetString(language.English, t[0], t[0])
		_ = messages.SetString(language.Swahili, t[0], t[1])
	}
}

// MatchLanguage 根据 Accept-Language 头或语言标签选择英语或斯瓦希里语
func MatchLanguage(preferences ...string) language.Tag {
	tag, _ := language.MatchStrings(matcher, preferences...)
	base, _ := tag.Base()
	for _, s := range supported {
		if b, _ := s.Base(); b == base {
			return s
		}
	}
	return language.English
}

func newValidationError(failed []Rule, lang language.Tag, m Merchant, length int) *ValidationError {
	p := message.NewPrinter(lang, message.Catalog(messages))

	parts := []string{p.Sprintf(keyIntro, m.Name)}
	for _, r := range failed {
		key := ruleText[r][0]
		switch r {
		case RuleLength:
			parts = append(parts, p.Sprintf(key, MinSMSLength, MaxSMSLength, length))
		case RuleAmount:
			parts = append(parts, p.Sprintf(key, displayAmount(m)))
		case RuleMerchantName:
			parts = append(parts, p.Sprintf(key, m.Name))
		case RuleMerchantNum:
			parts = append(parts, p.Sprintf(key, m.Number))
		default:
			parts = append(parts, p.Sprintf(key))
		}
	}
	return &ValidationError{Failed: failed, Message: strings.Join(parts, " "), Lang: lang}
}

// ReceiptUsedError 拒绝交易号已为其他请求付过款的收据
func ReceiptUsedError(lang language.Tag, m Merchant) *ValidationError {
	return newValidationError([]Rule{RuleReceiptUsed}, lang, m, 0)
}

func displayAmount(m Merchant) string {
	digits := strconv.Itoa(m.Amount)
	var sb strings.Builder
	sb.WriteString(m.Currency)
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(d)
	}
	sb.WriteString(".00")
	return sb.String()
}
