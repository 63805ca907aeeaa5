package config

type WorkerKeyStruct struct {
	SessionCommandsQueue string
	ScoreTallyQueue      string
}

var WorkerKey = &WorkerKeyStruct{
	SessionCommandsQueue: "session_commands_queue",
	ScoreTallyQueue:      "score_tally_queue",
}
