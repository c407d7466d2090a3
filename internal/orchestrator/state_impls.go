package orchestrator

// IdleState - no identity, or signed out
type IdleState struct{}

func (s *IdleState) Name() string { return StateIdle }
func (s *IdleState) ToSyncing() *SyncingState {
	return &SyncingState{}
}

// SyncingState - a cycle is running
type SyncingState struct{}

func (s *SyncingState) Name() string { return StateSyncing }
func (s *SyncingState) ToSynced() *SyncedState {
	return &SyncedState{}
}
func (s *SyncingState) ToError() *ErrorState {
	return &ErrorState{}
}
func (s *SyncingState) ToIdle() *IdleState {
	return &IdleState{}
}

// SyncedState - the last cycle completed without error
type SyncedState struct{}

func (s *SyncedState) Name() string { return StateSynced }
func (s *SyncedState) ToSyncing() *SyncingState {
	return &SyncingState{}
}
func (s *SyncedState) ToIdle() *IdleState {
	return &IdleState{}
}

// ErrorState - at least one step of the last cycle failed
type ErrorState struct{}

func (s *ErrorState) Name() string { return StateError }
func (s *ErrorState) ToSyncing() *SyncingState {
	return &SyncingState{}
}
func (s *ErrorState) ToIdle() *IdleState {
	return &IdleState{}
}
