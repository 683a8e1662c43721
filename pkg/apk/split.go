package apk

import "strings"

const configSplitPrefix = "split_config."

var splitABIs = map[string]string{
	"armeabi":     "armeabi",
	"armeabi_v7a": "armeabi-v7a",
	"arm64_v8a":   "arm64-v8a",
	"x86":         "x86",
	"x86_64":      "x86_64",
	"mips":        "mips",
	"mips64":      "mips64",
	"riscv64":     "riscv64",
}

// SplitABI returns the ABI an ABI config split targets, e.g.
// split_config.arm64_v8a -> arm64-v8a.
func SplitABI(name string) (string, bool) {
	name = strings.TrimSuffix(name, ".apk")
	if !strings.HasPrefix(name, configSplitPrefix) {
		return "", false
	}
	abi, ok := splitABIs[strings.TrimPrefix(name, configSplitPrefix)]
	return abi, ok
}

// SelectForABIs drops ABI config splits that do not match the best ABI the
// device supports among those provided. Other packages pass through.
func SelectForABIs(pkgs []*Package, deviceABIs []string) []*Package {
	provided := map[string]bool{}
	for _, p := range pkgs {
		if abi, ok := SplitABI(p.Name()); ok {
			provided[abi] = true
		}
	}
	if len(provided) == 0 {
		return pkgs
	}
	chosen := ""
	for _, abi := range deviceABIs {
		if provided[abi] {
			chosen = abi
			break
		}
	}
	out := make([]*Package, 0, len(pkgs))
	for _, p := range pkgs {
		if abi, ok := SplitABI(p.Name()); ok && abi != chosen {
			continue
		}
		out = append(out, p)
	}
	return out
}
