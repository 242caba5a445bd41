package payment

// ValidNationalID checks an 11-digit Turkish identity number (T.C. Kimlik No):
// no leading zero, the 10th digit is ((odd sum * 7) - even sum) mod 10 over the
// first nine digits, and the 11th digit is the sum of the first ten mod 10.
func ValidNationalID(id string) bool {
	if len(id) != 11 || id[0] == '0' {
		return false
	}
	var d [11]int
	for i := 0; i < 11; i++ {
		c := id[i]
		if c < '0' || c > '9' {
			return false
		}
		d[i] = int(c - '0')
	}
	odd := d[0] + d[2] + d[4] + d[6] + d[8]
	even := d[1] + d[3] + d[5] + d[7]
	if ((odd*7-even)%10+10)%10 != d[9] {
		return false
	}
	sum := 0
	for i := 0; i < 10; i++ {
		sum += d[i]
	}
	return sum%10 == d[10]
}
