package protocol

// RaceStarted is broadcast to both participants once a competition is open.
type RaceStarted struct {
	Room          string `json:"room"`
	CompetitionID string `json:"competitionId"`
	SentenceID    string `json:"sentenceId"`
	ParticipantA  string `json:"participantA"`
	ParticipantB  string `json:"participantB"`
	Text          string `json:"text"`
}

// ProgressUpdate is sent by a racer while typing.
type ProgressUpdate struct {
	Room     string  `json:"room"`
	Progress float64 `json:"progress"` // percent complete
	WPM      float64 `json:"wpm"`
}

// OpponentProgress is the relayed form of ProgressUpdate.
type OpponentProgress struct {
	Progress float64 `json:"progress"`
	WPM      float64 `json:"wpm"`
}

// Metrics are the typing statistics reported on completion.
type Metrics struct {
	WPM        float64 `json:"wpm"`
	Accuracy   float64 `json:"accuracy"`
	RawWPM     float64 `json:"rawWpm"`
	ErrorCount int     `json:"errorCount"`
	TimeTaken  float64 `json:"timeTaken"`
}

// WinnerCompletion is sent by the first racer to finish.
type WinnerCompletion struct {
	Room          string `json:"room"`
	CompetitionID string `json:"competitionId"`
	SentenceID    string `json:"sentenceId"`
	Metrics
}

// LoserCompletion is sent by a racer reporting their own finish without
// claiming the win. Before the race is decided it is held until a winner commits.
type LoserCompletion struct {
	CompetitionID string `json:"competitionId"`
	SentenceID    string `json:"sentenceId"`
	Metrics
}

// RaceOver is the terminal broadcast after a successful finish.
type RaceOver struct {
	Room          string `json:"room"`
	CompetitionID string `json:"competitionId"`
	SentenceID    string `json:"sentenceId"`
	Winner        string `json:"winner"`
	Metrics
}

// RaceAborted is sent under the race-over event when the opponent disconnects.
type RaceAborted struct {
	Room                string  `json:"room"`
	DepartedParticipant string  `json:"departedParticipant"`
	TimeTaken           float64 `json:"timeTaken"`
}

// RaceError tells a finishing racer that their result could not be stored.
type RaceError struct {
	Room          string `json:"room"`
	CompetitionID string `json:"competitionId"`
	Message       string `json:"message"`
}
