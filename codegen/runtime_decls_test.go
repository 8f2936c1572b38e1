package codegen

import (
	"strings"

	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("runtime declarations", func() {
	ginkgo.It("covers the generated helper families", func() {
		decls := GenerateRuntimeDeclarations()

		Ω(decls).Should(ContainSubstring("declare i32 @dynamic_watchdog()"))
		Ω(decls).Should(ContainSubstring("declare i32 @check_interrupt()"))
		Ω(decls).Should(ContainSubstring("declare i1 @array_any_eq_i32(i8*, i64, i32)"))
		Ω(decls).Should(ContainSubstring("declare i1 @array_all_ge_double(i8*, i64, double)"))
		Ω(decls).Should(ContainSubstring(
			"declare double @array_dot_product_float_double_literal(i8*, i64, i8*, i64)"))
		Ω(decls).Should(ContainSubstring("declare i64 @translate_null_key_i8(i8, i8, i64)"))
	})

	ginkgo.It("declares every helper exactly once", func() {
		decls := GenerateRuntimeDeclarations()
		seen := map[string]bool{}
		for _, line := range strings.Split(decls, "\n") {
			if line == "" {
				continue
			}
			Ω(seen[line]).Should(BeFalse(), line)
			seen[line] = true
		}
	})
})
