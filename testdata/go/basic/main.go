package main

/*
#include <stdlib.h>
#include <string.h>

static size_t copy_length(const char *s) {
	char *dup = strdup(s);
	if (dup == NULL) {
		return 0;
	}
	size_t n = strlen(dup);
	free(dup);
	return n;
}
*/
import "C"

//export LabelLength
func LabelLength(s *C.char) C.int {
	return C.int(C.copy_length(s))
}

func main() {}
