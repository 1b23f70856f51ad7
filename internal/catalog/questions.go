package catalog

// questions.go holds the built-in questionnaire.  The order of this list is
// the order in which the assistant asks the questions.

import (
	"errors"
	"fmt"

	"mirai-compass/pkg"
)

const (
	// TargetLevelID is the question whose answer is highlighted as the
	// student's target level in the diagnosis request.
	TargetLevelID = "Q15"
	// TargetRegionID is the question whose answer is highlighted as the
	// preferred region in the diagnosis request.
	TargetRegionID = "Q16"
)

// ErrEmptyCatalog is returned when a catalog contains no questions.
var ErrEmptyCatalog = errors.New("catalog: no questions")

var defaultQuestions = []pkg.Question{
	{
		ID:      "Q1",
		Text:    "今、何年生？",
		Options: []string{"高校1年生", "高校2年生", "高校3年生", "既卒・その他"},
	},
	{
		ID:          "Q2",
		Text:        "好きな教科・得意な教科はどれ？（いくつでも選んでね）",
		Options:     []string{"国語", "数学", "英語", "理科", "社会", "美術・音楽", "体育", "情報"},
		MultiSelect: true,
	},
	{
		ID:      "Q3",
		Text:    "文系・理系でいうと、どっちに近い？",
		Options: []string{"文系", "理系", "どちらとも言えない", "まだ決めていない"},
	},
	{
		ID:   "Q4",
		Text: "休みの日、時間を忘れて夢中になれることは何？",
	},
	{
		ID:          "Q5",
		Text:        "興味のある分野はどれ？（いくつでも選んでね）",
		Options:     []string{"医療・福祉", "教育", "IT・テクノロジー", "ビジネス・経済", "法律・政治", "国際・語学", "芸術・デザイン", "環境・農業", "スポーツ", "エンタメ・メディア"},
		MultiSelect: true,
	},
	{
		ID:      "Q6",
		Text:    "人と関わるのは好き？",
		Options: []string{"大好き！", "少人数なら好き", "一人で集中する方が好き", "場合による"},
	},
	{
		ID:      "Q7",
		Text:    "何かを決めるとき、どちらを大事にする？",
		Options: []string{"論理・データ", "直感・気持ち", "周りの意見", "前例や実績"},
	},
	{
		ID:   "Q8",
		Text: "これまでで一番がんばったこと、うれしかったことを教えて！",
	},
	{
		ID:          "Q9",
		Text:        "将来の働き方で大事にしたいことは？（いくつでも選んでね）",
		Options:     []string{"安定", "高い収入", "やりがい", "自由な時間", "社会貢献", "専門性", "海外で働く", "自分のペース"},
		MultiSelect: true,
	},
	{
		ID:   "Q10",
		Text: "今、なってみたい職業や憧れの人はいる？いなければ「特になし」でOK！",
	},
	{
		ID:      "Q11",
		Text:    "大学ではどんな学び方がしたい？",
		Options: []string{"専門知識をじっくり", "幅広く色々学びたい", "実習・フィールドワーク中心", "資格取得を目指したい"},
	},
	{
		ID:      "Q12",
		Text:    "留学や海外での学びに興味はある？",
		Options: []string{"ぜひしたい", "少し興味がある", "あまり興味がない"},
	},
	{
		ID:      "Q13",
		Text:    "勉強とサークル・部活、大学生活ではどっちを重視したい？",
		Options: []string{"勉強中心", "バランスよく", "サークル・部活も全力", "アルバイトや課外活動"},
	},
	{
		ID:   "Q14",
		Text: "進路について、今いちばん不安なこと・悩んでいることは？",
	},
	{
		ID:      TargetLevelID,
		Text:    "目指したい大学のレベルは？",
		Options: []string{"最難関（旧帝大・早慶など）", "難関（MARCH・関関同立など）", "中堅", "自分に合えばこだわらない"},
	},
	{
		ID:          TargetRegionID,
		Text:        "進学したい地域は？（いくつでも選んでね）",
		Options:     []string{"北海道・東北", "関東", "中部", "関西", "中国・四国", "九州・沖縄", "地元から通える範囲", "どこでもOK"},
		MultiSelect: true,
	},
}

// Default returns a copy of the built-in questionnaire.
func Default() []pkg.Question {
	out := make([]pkg.Question, len(defaultQuestions))
	for i, q := range defaultQuestions {
		q.Options = append([]string(nil), q.Options...)
		out[i] = q
	}
	return out
}

// Validate checks that a catalog can drive a conversation: it must be
// non-empty, ids must be unique and non-empty, and every option label of a
// question must be distinct.
func Validate(questions []pkg.Question) error {
	if len(questions) == 0 {
		return ErrEmptyCatalog
	}
	seen := make(map[string]struct{}, len(questions))
	for i, q := range questions {
		if q.ID == "" {
			return fmt.Errorf("catalog: question %d has no id", i)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("catalog: duplicate question id %q", q.ID)
		}
		seen[q.ID] = struct{}{}
		labels := make(map[string]struct{}, len(q.Options))
		for _, o := range q.Options {
			if _, dup := labels[o]; dup {
				return fmt.Errorf("catalog: question %s has duplicate option %q", q.ID, o)
			}
			labels[o] = struct{}{}
		}
	}
	return nil
}
