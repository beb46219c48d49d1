package replaycore

// Token is the opaque integer Replay.AddWriter assigns a WriterStream when
// it registers the writer with its MergeEngine. Tokens are
// unique within a single Replay and never reused.
type Token int64
