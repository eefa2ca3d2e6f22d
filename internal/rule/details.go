package rule

// The typed forms of the details maps, used to describe each kind.

type CommonDetails struct {
	ID               string   `json:"id" jsonschema:"description=Time ordered unique identifier"`
	Name             string   `json:"name"`
	Enabled          bool     `json:"enabled" jsonschema:"default=true"`
	URLFilters       []string `json:"urlFilters" jsonschema:"description=Substrings or /regex/ patterns; a leading ! excludes"`
	OriginURLFilters []string `json:"originUrlFilters" jsonschema:"description=Filters on the originating document; empty matches all"`
}

type RequestDetails struct {
	Method   string `json:"method" jsonschema:"enum=,enum=GET,enum=HEAD,enum=POST,enum=PUT,enum=DELETE,enum=CONNECT,enum=OPTIONS,enum=TRACE,enum=PATCH,default=GET"`
	TextType string `json:"textType" jsonschema:"enum=plaintext,enum=script,default=plaintext"`
}

type BlockingDetails struct {
	CommonDetails
	RequestDetails
	RedirectURL     string `json:"redirectUrl" jsonschema:"description=Redirect target; $n refers to regex groups; empty cancels"`
	TextRedirectURL string `json:"textRedirectUrl" jsonschema:"description=Literal redirect or script body returning one"`
}

type HeaderDetails struct {
	CommonDetails
	RequestDetails
	TextHeaders string `json:"textHeaders" jsonschema:"description=Name: Value lines or a script body"`
	HeaderType  string `json:"headerType" jsonschema:"enum=requestHeaders,enum=responseHeaders,default=requestHeaders"`
}

type ResponseDetails struct {
	CommonDetails
	RequestDetails
	TextResponse string `json:"textResponse" jsonschema:"description=Replacement body or a script body"`
}

type ContentScriptDetails struct {
	CommonDetails
	Code       string `json:"code"`
	ScriptType string `json:"scriptType" jsonschema:"enum=script,enum=stylesheet,default=script"`
	DOMEvent   string `json:"domEvent" jsonschema:"enum=loading,enum=loaded,enum=completed,default=completed"`
	FrameID    int    `json:"frameId" jsonschema:"minimum=-1,default=-1"`
}

// DetailsType returns a zero value of the typed details of kind, or nil.
func DetailsType(kind Kind) any {
	switch kind {
	case KindBlocking:
		return &BlockingDetails{}
	case KindHeader:
		return &HeaderDetails{}
	case KindResponse:
		return &ResponseDetails{}
	case KindContentScript:
		return &ContentScriptDetails{}
	}
	return nil
}
