package emergency

type Accepted struct {
	Request Request `json:"request"`
}

func (Accepted) Name() string { return "dispatch_accepted" }

type Unavailable struct {
	Request Request `json:"request"`
}

func (Unavailable) Name() string { return "dispatch_unavailable" }
