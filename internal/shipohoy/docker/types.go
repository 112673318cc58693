package docker

// containerConfig is the body of POST /containers/create.
type containerConfig struct {
	Image      string            `json:"Image"`
	Cmd        []string          `json:"Cmd,omitempty"`
	Env        []string          `json:"Env,omitempty"`
	Labels     map[string]string `json:"Labels,omitempty"`
	WorkingDir string            `json:"WorkingDir,omitempty"`
	Tty        bool              `json:"Tty"`
	HostConfig *hostConfig       `json:"HostConfig,omitempty"`
}

type hostConfig struct {
	Binds    []string `json:"Binds,omitempty"`
	Memory   int64    `json:"Memory,omitempty"`
	NanoCPUs int64    `json:"NanoCpus,omitempty"`
}

type createResponse struct {
	ID       string   `json:"Id"`
	Warnings []string `json:"Warnings"`
}

type waitResponse struct {
	StatusCode int `json:"StatusCode"`
	Error      *struct {
		Message string `json:"Message"`
	} `json:"Error"`
}

type containerListItem struct {
	ID      string            `json:"Id"`
	Names   []string          `json:"Names"`
	Created int64             `json:"Created"`
	Labels  map[string]string `json:"Labels"`
}

// pullMessage is one line of the image pull progress stream.
type pullMessage struct {
	Status      string `json:"status"`
	ID          string `json:"id"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

type apiErrorResponse struct {
	Message string `json:"message"`
}
