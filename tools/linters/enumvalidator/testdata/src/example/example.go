package example

type JobType string

const (
	JobTypeAcquire JobType = "acquire"
	JobTypeTrain   JobType = "train"
)

type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
)

type DataSource string

const (
	DataSourceLocal DataSource = "local"
)

type Job struct {
	ID   string
	Type JobType
}

type Run struct {
	Status RunStatus
}

type AcquireParams struct {
	DataSource DataSource
	Location   string
}

func bad() {
	j := &Job{}
	j.Type = "acquire" // want "enum field Type assigned string literal"

	r := &Run{}
	r.Status = "complete" // want "enum field Status assigned string literal"

	_ = AcquireParams{DataSource: "local", Location: "/tmp"} // want "enum field DataSource set to string literal"
}

func good() {
	j := &Job{}
	j.Type = JobTypeTrain
	j.ID = "train.magnet.1"

	r := &Run{}
	r.Status = RunStatusCompleted

	_ = AcquireParams{DataSource: DataSourceLocal, Location: "/tmp"}
}

func alsoGood() {
	t := JobTypeAcquire
	j := &Job{Type: t}
	_ = j
}
