package invertercli

import (
	"fmt"
	"regexp"
	"strconv"
)

var dateArg = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

var histogramPeriods = map[string]bool{"day": true, "week": true, "month": true, "year": true}

// validate walks args against the fixed allow-list grammar and rejects
// anything else outright. It never executes a shell, so this is about
// catching operator typos and rejecting attempts to smuggle extra flags,
// not sandboxing untrusted input.
func validate(args []string) error {
	i := 0
	for i < len(args) {
		flag := args[i]
		i++
		switch flag {
		case "-a", "-q":
			// no operand

		case "-c", "-d", "-m", "-E":
			n, ok := takeInt(args, &i)
			if !ok {
				return fmt.Errorf("%s requires a numeric argument", flag)
			}
			_ = n

		case "-e":
			if _, ok := takeInt(args, &i); !ok {
				return fmt.Errorf("-e requires a numeric argument")
			}

		case "-r":
			if !takeName(args, &i) {
				return fmt.Errorf("-r requires a name")
			}

		case "-s":
			if !takeName(args, &i) {
				return fmt.Errorf("-s requires a name")
			}
			takeOptionalInt(args, &i)

		case "-l":
			takeOptionalInt(args, &i)

		case "-H":
			if i >= len(args) || !histogramPeriods[args[i]] {
				return fmt.Errorf("-H requires one of day|week|month|year")
			}
			i++

		case "-D":
			if i >= len(args) || !dateArg.MatchString(args[i]) {
				return fmt.Errorf("-D requires a YYYY-MM-DD date")
			}
			i++

		default:
			return fmt.Errorf("flag %q is not on the allow-list", flag)
		}
	}
	return nil
}

func takeInt(args []string, i *int) (int, bool) {
	if *i >= len(args) {
		return 0, false
	}
	n, err := strconv.Atoi(args[*i])
	if err != nil {
		return 0, false
	}
	*i++
	return n, true
}

func takeOptionalInt(args []string, i *int) {
	if *i >= len(args) {
		return
	}
	if _, err := strconv.Atoi(args[*i]); err == nil {
		*i++
	}
}

func takeName(args []string, i *int) bool {
	if *i >= len(args) {
		return false
	}
	*i++
	return true
}

// emergencyGridChargeSeconds returns (seconds, true) if args contains a "-e
// N" pair, regardless of position.
func emergencyGridChargeSeconds(args []string) (int, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-e" {
			if n, err := strconv.Atoi(args[i+1]); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
