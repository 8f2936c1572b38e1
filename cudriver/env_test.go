package cudriver

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func makeFakeCudaInstall(root string) {
	Ω(os.MkdirAll(filepath.Join(root, "include"), 0755)).Should(BeNil())
	Ω(os.MkdirAll(filepath.Join(root, "nvvm", "libdevice"), 0755)).Should(BeNil())
	Ω(ioutil.WriteFile(filepath.Join(root, "include", "cuda.h"), []byte("// header"), 0644)).Should(BeNil())
	Ω(ioutil.WriteFile(filepath.Join(root, "nvvm", "libdevice", "libdevice.10.bc"), []byte("BC"), 0644)).Should(BeNil())
}

var _ = ginkgo.Describe("cuda path discovery", func() {
	var tmpDir string

	ginkgo.BeforeEach(func() {
		var err error
		tmpDir, err = ioutil.TempDir("", "cuda-install")
		Ω(err).Should(BeNil())
	})

	ginkgo.AfterEach(func() {
		os.RemoveAll(tmpDir)
		os.Unsetenv("CUDA_HOME")
		os.Unsetenv("CUDA_DIR")
	})

	ginkgo.It("prefers the override when it validates", func() {
		makeFakeCudaInstall(tmpDir)
		Ω(LocateCudaPath(tmpDir)).Should(Equal(tmpDir))
	})

	ginkgo.It("consults CUDA_HOME before CUDA_DIR", func() {
		makeFakeCudaInstall(tmpDir)
		os.Setenv("CUDA_HOME", tmpDir)
		os.Setenv("CUDA_DIR", "/nonexistent")
		Ω(LocateCudaPath("")).Should(Equal(tmpDir))
	})

	ginkgo.It("discards candidates missing the probe files", func() {
		// no include/cuda.h or libdevice under tmpDir
		os.Setenv("CUDA_HOME", tmpDir)
		Ω(LocateCudaPath("")).Should(Equal(""))
	})

	ginkgo.It("computes the libdevice path", func() {
		Ω(LibDevicePath("/opt/cuda")).Should(Equal("/opt/cuda/nvvm/libdevice/libdevice.10.bc"))
	})
})
