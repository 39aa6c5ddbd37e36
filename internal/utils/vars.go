package utils

import (
	"regexp"
)

const DefaultBufferSize = 8 * 1024 // 8KB read buffer per segment
const DefaultChunkThreshold = 1024 * 1024
const TempDirName = ".segget-temp"
const LogFile = ".segget.log"
const ToolUserAgent = "segget/1.0"

var filenameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// Local-only User-Agent list for --user-agent randomize
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:136.0) Gecko/20100101 Firefox/136.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:136.0) Gecko/20100101 Firefox/136.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15",
	"curl/8.7.1",
	"Wget/1.21.4",
}
