package domain

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseAuthorizing Phase = "authorizing"
	PhaseLoading     Phase = "loading"
	PhaseStreaming   Phase = "streaming"
	PhaseError       Phase = "error"
)

// DashboardState - снимок состояния экрана. Меняет только контроллер.
type DashboardState struct {
	Phase      Phase   `json:"phase"`
	Authorized bool    `json:"authorized"`
	Loading    bool    `json:"loading"`
	TotalToday float64 `json:"total_today"`
	LastError  string  `json:"last_error,omitempty"` // Пусто - ошибки нет
	Streaming  bool    `json:"streaming"`            // Есть активная подписка
}
