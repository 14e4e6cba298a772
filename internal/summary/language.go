package summary

import (
	"strings"
	"unicode"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"golang.org/x/text/unicode/norm"
)

// Candidate languages in tie-break order.
var candidates = []language.Tag{
	language.English,
	language.Chinese,
	language.Japanese,
	language.Korean,
	language.Russian,
	language.Arabic,
}

// DetectLanguage returns the dominant language of texts by majority vote over
// a per-text script guess. Chinese is reported as zh-Hans or zh-Hant.
// Defaults to English.
func DetectLanguage(texts []string) language.Tag {
	votes := make(map[language.Tag]int)
	var chinese strings.Builder
	for _, text := range texts {
		tag, ok := guess(text)
		if !ok {
			continue
		}
		votes[tag]++
		if tag == language.Chinese {
			chinese.WriteString(text)
		}
	}
	best, bestVotes := language.English, 0
	for _, tag := range candidates {
		if votes[tag] > bestVotes {
			best, bestVotes = tag, votes[tag]
		}
	}
	if best == language.Chinese {
		if IsTraditional(chinese.String()) {
			return language.TraditionalChinese
		}
		return language.SimplifiedChinese
	}
	return best
}

// guess picks the language of the dominant script in text.
func guess(text string) (language.Tag, bool) {
	var han, kana, hangul, cyrillic, arabic, latin int
	for _, r := range norm.NFKC.String(text) {
		switch {
		case unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
			kana++
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		case unicode.Is(unicode.Arabic, r):
			arabic++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
	}
	switch {
	case kana > 0:
		return language.Japanese, true
	case hangul > 0 && hangul >= han:
		return language.Korean, true
	case han > 0 && han*2 >= latin:
		return language.Chinese, true
	case cyrillic > latin && cyrillic >= arabic:
		return language.Russian, true
	case arabic > latin:
		return language.Arabic, true
	case latin > 0:
		return language.English, true
	}
	return language.Und, false
}

// IsTraditional reports whether converting text to simplified characters
// changes it.
func IsTraditional(text string) bool {
	return ToSimplified(text) != text
}

// ToSimplified maps common traditional characters to their simplified form.
func ToSimplified(text string) string {
	return strings.Map(func(r rune) rune {
		if s, ok := traditionalToSimplified[r]; ok {
			return s
		}
		return r
	}, text)
}

// LanguageName is the English display name of tag, used in prompts.
func LanguageName(tag language.Tag) string {
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return tag.String()
}

// ParseLanguage parses a stored language tag, falling back to English.
func ParseLanguage(s string) language.Tag {
	tag, err := language.Parse(s)
	if err != nil || s == "" {
		return language.English
	}
	return tag
}

var traditionalToSimplified = map[rune]rune{
	'們': '们', '個': '个', '這': '这', '來': '来', '時': '时', '會': '会', '說': '说', '對': '对',
	'學': '学', '國': '国', '過': '过', '還': '还', '麼': '么', '沒': '没', '問': '问', '題': '题',
	'為': '为', '與': '与', '從': '从', '點': '点', '開': '开', '關': '关', '機': '机', '電': '电',
	'話': '话', '間': '间', '現': '现', '無': '无', '樣': '样', '當': '当', '後': '后', '實': '实',
	'長': '长', '體': '体', '應': '应', '經': '经', '進': '进', '動': '动', '種': '种', '見': '见',
	'號': '号', '業': '业', '嗎': '吗', '請': '请', '幫': '帮', '寫': '写', '讓': '让', '給': '给',
	'誰': '谁', '頭': '头', '氣': '气', '東': '东', '車': '车', '馬': '马', '門': '门', '買': '买',
	'賣': '卖', '錢': '钱', '價': '价', '認': '认', '識': '识', '語': '语', '譯': '译', '讀': '读',
	'書': '书', '員': '员', '單': '单', '聽': '听', '場': '场', '歲': '岁', '愛': '爱', '發': '发',
	'網': '网', '絡': '络', '雲': '云', '處': '处', '數': '数', '據': '据', '庫': '库',
	'計': '计', '設': '设', '務': '务', '須': '须', '總': '总', '結': '结', '報': '报',
	'錯': '错', '誤': '误', '測': '测', '試': '试', '評': '评', '質': '质',
	'雙': '双', '邊': '边', '萬': '万', '億': '亿',
}
