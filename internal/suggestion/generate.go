// Package suggestion builds the follow-up prompts offered under the chat box.
package suggestion

import (
	"strings"

	"github.com/vanky2viva/omni-assistant/internal/domain"
)

// MaxSuggestions caps the length of a generated list.
const MaxSuggestions = 6

// Base is the fixed catalog shown for every conversation, in display order.
var Base = []domain.Suggestion{
	{Key: "gmv_trend", Label: "分析最近7天GMV变化", Description: "按天拆解销售额与订单量的走势"},
	{Key: "top_products", Label: "找出本月热销商品", Description: "按销量和销售额排序的商品榜单"},
	{Key: "refund_analysis", Label: "分析退款原因", Description: "统计退款率和主要退款原因"},
	{Key: "conversion", Label: "诊断转化率", Description: "从访客到下单的漏斗分析"},
	{Key: "inventory", Label: "检查库存风险", Description: "识别即将断货和滞销的商品"},
	{Key: "ad_roi", Label: "评估广告投放ROI", Description: "对比各渠道花费与回报"},
	{Key: "pricing", Label: "给出调价建议", Description: "结合竞品和毛利给出价格调整方案"},
}

type keywordGroup struct {
	keywords   []string
	suggestion domain.Suggestion
}

// groups are checked in order; each matching group contributes one suggestion.
var groups = []keywordGroup{
	{
		keywords:   []string{"gmv", "销售额", "收入", "revenue", "营收"},
		suggestion: domain.Suggestion{Key: "revenue_breakdown", Label: "按品类拆分销售额", Description: "查看哪些品类贡献了主要的增长或下滑"},
	},
	{
		keywords:   []string{"退款", "退货", "refund", "refunds", "return", "returns"},
		suggestion: domain.Suggestion{Key: "refund_analysis", Label: "分析退款原因", Description: "统计退款率和主要退款原因"},
	},
	{
		keywords:   []string{"转化", "conversion", "conversions", "点击率", "ctr"},
		suggestion: domain.Suggestion{Key: "conversion_funnel", Label: "拆解转化漏斗", Description: "定位流失最多的环节"},
	},
}

// FollowUp is prepended when a message exists but no keyword group matched.
var FollowUp = domain.Suggestion{Key: "follow_up", Label: "继续深入分析", Description: "基于上一个问题进一步追问细节"}

// Generate returns at most MaxSuggestions prompts for the given last user
// message. A blank message yields the base catalog. The result is a new slice
// on every call.
func Generate(lastUserMessage string) []domain.Suggestion {
	var contextual []domain.Suggestion
	msg := strings.ToLower(strings.TrimSpace(lastUserMessage))
	if msg != "" {
		for _, g := range groups {
			if containsAny(msg, g.keywords) {
				contextual = append(contextual, g.suggestion)
			}
		}
		if len(contextual) == 0 {
			contextual = append(contextual, FollowUp)
		}
	}

	out := make([]domain.Suggestion, 0, MaxSuggestions)
	seen := make(map[string]struct{}, len(contextual)+len(Base))
	for _, list := range [][]domain.Suggestion{contextual, Base} {
		for _, s := range list {
			if len(out) == MaxSuggestions {
				return out
			}
			if _, ok := seen[s.Key]; ok {
				continue
			}
			seen[s.Key] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// containsAny reports whether s holds any keyword. ASCII keywords only match
// whole words, so "ctr" does not hit "electronics"; CJK keywords match anywhere.
func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if isASCIIWord(k) {
			if containsWord(s, k) {
				return true
			}
			continue
		}
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func containsWord(s, word string) bool {
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], word)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(word)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

func isASCIIWord(k string) bool {
	for i := 0; i < len(k); i++ {
		if !isWordByte(k[i]) {
			return false
		}
	}
	return k != ""
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}
