package core

// prompts.go defines the Japanese texts the assistant sends and the prompt
// used for the diagnosis request.  Keeping them in one file makes them easy
// to tweak without touching the conversation logic.

const (
	// GreetingMessage and IntroMessage are sent when a conversation starts.
	GreetingMessage = "こんにちは！あなたのミライを指し示す「みらいコンパス」だよ。"
	IntroMessage    = "質問に対して、自分の言葉で自由に送ってね。選択肢がある時はそれをタップしてもOK！今の正直な気持ちを教えてね✨"

	// WaitMessage is sent once the last question has been answered, just
	// before the diagnosis request goes out.
	WaitMessage = "全ての質問に答えてくれてありがとう！\n教えてくれた内容をもとに、あなただけの「みらいの地図」を作成中だよ。少しだけ待っててね！🍀"

	// ApologyMessage replaces the diagnosis when the provider call fails.
	ApologyMessage = "ごめんね、診断中にエラーが起きちゃった。通信環境を確認して、もう一度最初からやってみよう。"

	// ConfigurationMessage replaces the diagnosis when no API key is set.
	ConfigurationMessage = "ごめんね、今は診断サービスの準備ができていないみたい。管理者に設定を確認してもらってね。"

	// EmptyDiagnosisMessage is returned when the provider answers with no text.
	EmptyDiagnosisMessage = "ごめんね、診断結果をうまくまとめられなかったよ。もう一度試してみてね！"

	// SelectionSeparator joins the labels of a multi-select answer.
	SelectionSeparator = "、"

	// TargetLevelFallback and TargetRegionFallback are used in the diagnosis
	// prompt when the corresponding answers are missing.
	TargetLevelFallback  = "未定"
	TargetRegionFallback = "指定なし"

	// SystemInstruction sets the assistant's role for the diagnosis request.
	SystemInstruction = "あなたは高校生の進路選びに寄り添う、明るく親しみやすい進路アドバイザー「みらいコンパス」です。" +
		"アンケートの回答から学生の興味・強み・価値観を読み取り、向いている学問分野と将来の職業の方向性を示してください。" +
		"大学名・学部名は実在するものだけを挙げ、学生が指定した目標レベルと希望地域を必ず考慮してください。" +
		"回答はMarkdownで、見出し・箇条書きを使って読みやすくまとめ、タメ口でやさしく語りかけてください。" +
		"不安を煽る表現や断定的な合否予想は避け、最後に今日からできる一歩を提案してください。"

	// diagnosisPromptTemplate is filled with the target level, the target
	// region and the formatted answers, in that order.
	diagnosisPromptTemplate = `
以下のアンケート結果をもとに、この学生にぴったりの進路を詳しく診断してください。
特に「目標レベル：%s」および「希望地域：%s」に適した実在する大学名と学部名を具体的に提案してください。

【アンケート結果】
%s

学生の将来が楽しみになるような、ポジティブで具体的なアドバイスをお願いします。
`
)
