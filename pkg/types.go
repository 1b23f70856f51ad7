package pkg

import "time"

// Question is one entry of the questionnaire.  Questions are loaded once from
// the catalog and never modified.
type Question struct {
	ID          string   `json:"id" yaml:"id"`
	Text        string   `json:"text" yaml:"text"`
	Options     []string `json:"options" yaml:"options"`
	MultiSelect bool     `json:"multi_select" yaml:"multi_select"`
}

// HasOption reports whether label is one of the question's options.
func (q Question) HasOption(label string) bool {
	for _, o := range q.Options {
		if o == label {
			return true
		}
	}
	return false
}

// Sender describes who authored a message.  There are only two senders: the
// assistant and the user.
type Sender string

const (
	SenderAssistant Sender = "assistant"
	SenderUser      Sender = "user"
)

// Message is one entry of the transcript.
type Message struct {
	ID          string    `json:"id"`
	Sender      Sender    `json:"sender"`
	Text        string    `json:"text"`
	IsDiagnosis bool      `json:"is_diagnosis,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Answer records the user's reply to one question.  QuestionText is a copy of
// the prompt so the diagnosis request can be built from answers alone.
// AnswerIndices is reserved for option indices and is currently always empty.
type Answer struct {
	QuestionID    string `json:"question_id"`
	QuestionText  string `json:"question_text"`
	AnswerText    string `json:"answer_text"`
	AnswerIndices []int  `json:"answer_indices"`
}

// Phase is the coarse state of a conversation.
type Phase string

const (
	PhaseNotStarted     Phase = "not_started"
	PhaseAwaitingAnswer Phase = "awaiting_answer"
	PhaseDiagnosing     Phase = "diagnosing"
	PhaseDone           Phase = "done"
	PhaseFailed         Phase = "failed"
)

// Snapshot is a read-only copy of a conversation's state handed to the
// presentation layer.  Slices are copies and may be retained by the caller.
type Snapshot struct {
	ConversationID  string    `json:"conversation_id"`
	Phase           Phase     `json:"phase"`
	Pointer         int       `json:"pointer"`
	TotalQuestions  int       `json:"total_questions"`
	Busy            bool      `json:"busy"`
	Transcript      []Message `json:"transcript"`
	Answers         []Answer  `json:"answers"`
	CurrentQuestion *Question `json:"current_question,omitempty"`
	Draft           string    `json:"draft"`
	Selections      []string  `json:"selections"`
	CanConfirm      bool      `json:"can_confirm"`
}

// LastMessage returns the final transcript entry, if any.
func (s Snapshot) LastMessage() (Message, bool) {
	if len(s.Transcript) == 0 {
		return Message{}, false
	}
	return s.Transcript[len(s.Transcript)-1], true
}

// OperationRequest is the body accepted by the answer, draft and option
// endpoints.  Form values are accepted as well.
type OperationRequest struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// CreateConversationResponse is returned when a new conversation is started.
type CreateConversationResponse struct {
	ConversationID string `json:"conversation_id"`
	StartURL       string `json:"start_url"`
}
