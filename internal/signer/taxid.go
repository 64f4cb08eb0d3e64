package signer

// ValidCNPJ checks the two modulo-11 check digits of a 14-digit CNPJ
func ValidCNPJ(digits string) bool {
	if len(digits) != 14 || allSame(digits) {
		return false
	}
	weights := []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	return checkDigit(digits[:12], weights[1:]) == int(digits[12]-'0') &&
		checkDigit(digits[:13], weights) == int(digits[13]-'0')
}

// ValidCPF checks the two modulo-11 check digits of an 11-digit CPF
func ValidCPF(digits string) bool {
	if len(digits) != 11 || allSame(digits) {
		return false
	}
	weights := []int{11, 10, 9, 8, 7, 6, 5, 4, 3, 2}
	return checkDigit(digits[:9], weights[1:]) == int(digits[9]-'0') &&
		checkDigit(digits[:10], weights) == int(digits[10]-'0')
}

func checkDigit(digits string, weights []int) int {
	sum := 0
	for i, w := range weights {
		sum += int(digits[i]-'0') * w
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}

func allSame(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}
