package notify

type Delivered struct {
	Message Message `json:"message"`
}

func (Delivered) Name() string { return "notification_delivered" }

type DeliveryFailed struct {
	Message Message `json:"message"`
	Error   string  `json:"error"`
}

func (DeliveryFailed) Name() string { return "notification_failed" }
