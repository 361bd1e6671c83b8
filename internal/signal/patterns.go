package signal

import "regexp"

// Direction vocabulary, matched against lowercased text. Each match adds one
// point to its direction.
var directionPatterns = map[Direction][]*regexp.Regexp{
	Long: compile(
		`做多|看多|买入|建议买|long|bullish|上涨|看涨`,
		`积累|accumulation|markup|spring|no supply|bullish`,
		`买入信号|多头信号|看多信号|建仓信号`,
		`底部|支撑|反弹|回升|强势|买盘`,
		`建议.*买|建议.*多|推荐.*买入`,
	),
	Short: compile(
		`做空|看空|卖出|建议卖|short|bearish|下跌|看跌`,
		`派发|分配|distribution|markdown|upthrust|no demand|bearish`,
		`卖出信号|空头信号|看空信号|减仓信号|出货信号`,
		`顶部|阻力|回落|下跌|弱势|卖盘|抛售`,
		`建议.*卖|建议.*空|推荐.*卖出|建议.*减仓`,
		`警惕|需谨慎|风险|回调|调整`,
	),
	Neutral: compile(
		`观望|中性|等待|neutral|sideways|wait`,
		`不确定|unclear|uncertain|观察|暂停`,
		`观望信号|等待信号|保持观望|暂时观望`,
	),
}

// directionOrder breaks score ties.
var directionOrder = []Direction{Long, Short, Neutral}

var (
	entryPatterns = compile(
		`(?i)入场价[格]?[:：\s]*\$?(\d+\.?\d*)`,
		`(?i)买入价[格]?[:：\s]*\$?(\d+\.?\d*)`,
		`(?i)进场[:：\s]*\$?(\d+\.?\d*)`,
		`(?i)entry[:\s]*\$?(\d+\.?\d*)`,
		`(?i)当前价格.*?(\d+\.?\d*)`,
		`(?i)价格.*?(\d+\.?\d*)\s*附近`,
		`(?i)(\d+\.?\d*)\s*[左右附近]`,
		`(?i)价格到达.*?(\d+\.?\d*)`,
		`(?i)(\d+\.?\d*)\s*USDT`,
		`(?i)(\d+\.?\d*)\s*美元`,
	)
	stopPatterns = compile(
		`(?i)止损[:：\s]*\$?(\d+\.?\d*)`,
		`(?i)停损[:：\s]*\$?(\d+\.?\d*)`,
		`(?i)stop[:\s]*\$?(\d+\.?\d*)`,
	)
	targetPatterns = compile(
		`(?i)止盈[:：\s]*\$?(\d+\.?\d*)`,
		`(?i)目标[:：\s]*\$?(\d+\.?\d*)`,
		`(?i)profit[:：\s]*\$?(\d+\.?\d*)`,
		`(?i)target[:\s]*\$?(\d+\.?\d*)`,
	)
	quantityPatterns = compile(
		`(?i)数量[:：\s]*([0-9]+\.?[0-9]*)\s*eth`,
		`(?i)数量[:：\s]*([0-9]+\.?[0-9]*)`,
		`(?i)([0-9]+\.?[0-9]*)\s*eth`,
		`(?i)position\s*size[:\s]*([0-9]+\.?[0-9]*)`,
	)
)

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

// VSA tags in reporting order.
var vsaPatterns = []namedPattern{
	{"no_demand", regexp.MustCompile(`no demand|无需求|缺乏买盘|买盘不足|无量上涨|缺乏买入兴趣`)},
	{"no_supply", regexp.MustCompile(`no supply|无供应|缺乏卖盘|卖盘不足|无量下跌|缺乏卖出压力`)},
	{"climax_volume", regexp.MustCompile(`climax|高潮成交量|异常放量|climax volume|selling climax|buying climax|恐慌抛售`)},
	{"upthrust", regexp.MustCompile(`upthrust|假突破|诱多|高位假突破|upthrust after distribution`)},
	{"spring", regexp.MustCompile(`spring|弹簧|假跌破|诱空|spring after accumulation`)},
	{"wide_spread", regexp.MustCompile(`wide spread|宽价差|大幅波动|价差扩大|spread.*wide`)},
	{"narrow_spread", regexp.MustCompile(`narrow spread|窄价差|小幅波动|价差收窄|spread.*narrow`)},
	{"selling_pressure", regexp.MustCompile(`selling pressure|卖压|出货|抛售压力|卖压加重`)},
	{"buying_pressure", regexp.MustCompile(`buying pressure|买压|吸筹|买盘支撑|买压增强`)},
	{"professional_money", regexp.MustCompile(`professional money|smart money|主力资金|专业资金|聪明资金`)},
	{"distribution", regexp.MustCompile(`distribution|派发|分配|出货|高位出货`)},
	{"accumulation", regexp.MustCompile(`accumulation|积累|吸筹|底部建仓`)},
}

// Market phases; the first match wins.
var phasePatterns = []namedPattern{
	{"accumulation", regexp.MustCompile(`accumulation|积累|吸筹|底部|建仓`)},
	{"markup", regexp.MustCompile(`markup|上升|拉升|趋势上涨`)},
	{"distribution", regexp.MustCompile(`distribution|分配|出货|顶部|派发`)},
	{"markdown", regexp.MustCompile(`markdown|下降|下跌|趋势下跌`)},
}

var vsaWeights = map[string]float64{
	"spring":             2.0,
	"upthrust":           2.0,
	"climax_volume":      1.5,
	"no_supply":          1.5,
	"no_demand":          1.5,
	"professional_money": 1.0,
	"distribution":       1.0,
	"accumulation":       1.0,
	"selling_pressure":   0.8,
	"buying_pressure":    0.8,
	"wide_spread":        0.5,
	"narrow_spread":      0.3,
}

var (
	strongPhrases = compile(
		`强烈.*信号`, `spring.*信号`, `upthrust.*信号`,
		`climax.*volume`, `专业.*资金`, `smart.*money`,
		`明确.*信号`, `强势.*突破`, `假.*突破`,
	)
	moderatePhrases = compile(
		`建议.*卖出`, `建议.*买入`, `考虑.*减仓`,
		`wide.*spread`, `narrow.*spread`, `量价.*背离`,
	)
	weakPhrases = compile(
		`观望`, `等待`, `不确定`, `可能会`, `或许`,
		`uncertain`, `unclear`, `wait`,
	)

	confidenceMention = regexp.MustCompile(`置信度.*?(\d+)%`)

	percentConfidence = compile(
		`(?i)confidence[:\s]*(\d+)[%％]`,
		`(?i)置信度[:\s]*(\d+)[%％]`,
		`(?i)信心[:\s]*(\d+)[%％]`,
	)
	scoreConfidence = compile(
		`(\d+)/10`,
		`(\d+)分`,
	)
)

// Word-level confidence, checked in order against lowercased text.
var confidenceWords = []struct {
	words []string
	value float64
}{
	{[]string{"very confident", "非常确定", "高度确信"}, 0.9},
	{[]string{"confident", "确定", "确信"}, 0.8},
	{[]string{"likely", "可能", "大概率"}, 0.7},
	{[]string{"uncertain", "不确定"}, 0.5},
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}
