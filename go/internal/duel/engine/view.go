package engine

import (
	"math"
	"time"

	"github.com/mcdev12/mathduel/go/internal/models"
)

// SideView is what a client may show about one side. Answers are never
// included.
type SideView struct {
	Side         models.Side `json:"side"`
	Joined       bool        `json:"joined"`
	Points       int         `json:"points"`
	Expression   string      `json:"expression"`
	PendingInput string      `json:"pendingInput"`
}

// View is the rendered state handed to the UI.
type View struct {
	Phase            Phase       `json:"phase"`
	Code             string      `json:"code,omitempty"`
	Side             models.Side `json:"side,omitempty"`
	Score            int         `json:"score"`
	DifficultyBound  int         `json:"difficultyBound,omitempty"`
	Sides            []SideView  `json:"sides,omitempty"`
	Input            string      `json:"input"`
	KeypadEnabled    bool        `json:"keypadEnabled"`
	Submitting       bool        `json:"submitting"`
	RemainingSeconds int         `json:"remainingSeconds"`
	TimeLow          bool        `json:"timeLow"`
	Feedback         Feedback    `json:"feedback,omitempty"`
	Winner           models.Side `json:"winner,omitempty"`
	Won              bool        `json:"won"`
	Result           string      `json:"result,omitempty"`
	Notice           string      `json:"notice,omitempty"`
}

// Renderer receives every new view. Implementations must not call back into
// the engine synchronously.
type Renderer interface {
	Render(v View)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(v View)

func (f RendererFunc) Render(v View) { f(v) }

// Render derives the view from the local context and the newest document.
// It has no side effects.
func Render(cc ClientContext, doc *models.Session, now time.Time, cfg Config) View {
	v := View{
		Phase:      cc.Phase,
		Code:       cc.Code,
		Side:       cc.Side,
		Score:      models.ScoreInitial,
		Input:      cc.Input,
		Submitting: cc.Submitting,
		Feedback:   cc.Feedback,
		Notice:     cc.Notice,
	}
	if cc.Phase == PhaseLobby || doc == nil {
		return v
	}

	v.Score = doc.Score
	v.DifficultyBound = doc.DifficultyBound
	for _, side := range models.Sides {
		st := doc.Side(side)
		v.Sides = append(v.Sides, SideView{
			Side:         side,
			Joined:       st.Joined,
			Points:       st.Points,
			Expression:   doc.Problem(side).Expression,
			PendingInput: st.PendingInput,
		})
	}

	switch cc.Phase {
	case PhaseActive:
		remaining := cfg.TimeLimit - doc.Elapsed(now)
		remaining = max(0, min(remaining, cfg.TimeLimit))
		v.RemainingSeconds = int(math.Ceil(remaining.Seconds()))
		v.TimeLow = remaining <= cfg.LowTime
		v.KeypadEnabled = !cc.Submitting
	case PhaseEnded:
		v.Winner = doc.Winner
		if v.Winner == "" {
			v.Winner = doc.Leader()
		}
		v.Won = v.Winner != "" && v.Winner == cc.Side
		v.Result = resultText(v.Winner)
	}
	return v
}

func resultText(winner models.Side) string {
	switch winner {
	case models.SideBlue:
		return "Blue wins!"
	case models.SideRed:
		return "Red wins!"
	default:
		return "Game over"
	}
}
