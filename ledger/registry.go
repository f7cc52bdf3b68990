package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// RegistryABI is the interface of the PollutionRegistry contract.
const RegistryABI = `[
	{
		"type": "function",
		"name": "logReport",
		"stateMutability": "nonpayable",
		"inputs": [{"name": "reportHash", "type": "bytes32"}],
		"outputs": [{"name": "reportId", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "reportHashExists",
		"stateMutability": "view",
		"inputs": [{"name": "reportHash", "type": "bytes32"}],
		"outputs": [
			{"name": "exists", "type": "bool"},
			{"name": "reportId", "type": "uint256"}
		]
	},
	{
		"type": "event",
		"name": "ReportLogged",
		"anonymous": false,
		"inputs": [
			{"name": "reportId", "type": "uint256", "indexed": true},
			{"name": "reportHash", "type": "bytes32", "indexed": true},
			{"name": "reporter", "type": "address", "indexed": true},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]
	}
]`

const (
	methodLogReport        = "logReport"
	methodReportHashExists = "reportHashExists"
	eventReportLogged      = "ReportLogged"
)

// ParseRegistryABI parses RegistryABI.
func ParseRegistryABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(RegistryABI))
}
