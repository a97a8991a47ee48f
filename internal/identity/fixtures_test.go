package identity

// Deterministic keys shared by the tests in this package.
var (
	peerTestKeys = []string{
		"3e7a1f43b2d8a4b9f63a2ffeb1d597f971a8db7ffd95453173268b453106cadc",
		"92c36941ae78c1b93e5f4bebcf2b40be0af37573aa263ebb70b769ea235b88b6",
		"b6a8ff857c49b81895f18dd6dbd309e270906b75e2c290a721da48c5de4cba70",
		"91a90b5be4817c46e06f0e792dd9d9ef3ceb2dbb5ff5c45125153d289d515ce1",
		"5ee086c5c3df6f641e36e083769d6a03f918b33e4505b1102d2be7a75bb2ae0f",
		"6768d7918659c1699a379691381c19e55c3c13c49d30086e74a86524123659fb",
		"d31485403d0cce93b0c48a2fad2acae61a68396e93a602acfcd08dadd7ba12ae",
		"db533c3e74963a0571e962a4022a4ebce14ab5f240299b5350c83dd18549c1fd",
		"95aaa63bceeb0946c877c414e1f17119b8a975417924d83db8e281abd71820b2",
		"9427c1472b66f6abd94a6c246eee495e3709ec45882ae0badcbc71ad2cd8f8b2",
	}
	peerTestPublicKeys = []string{
		"03b7e977f498dce004e2614764ff576e17cc6691135497e7bcb5d3441e816ba9e1",
		"02344c3f0e79f56aef8e167a6fea912745f1f770b66b4c5096040c0e8c9e3c68b3",
		"023d6021c001c7b562af8b6e54ace4f98b1b14170d7db4749ecab2b1f0e4252794",
		"02a0eb20ae23f2f78650b42dfafa6bf4e4752657905da8598b2c0806478e0bfa0d",
		"023db373d1fc21212f2f03fec1ddd49f193f54f71545e72f37c8a70ca20ef1622b",
		"03290b4e5dabcca2a994a8d63057f5c83f60d999ede181a8d9b42084e3bee256c2",
		"03510651fbb9d2ce5b7ae00968339055fbc552e565c54cce8c69f5a52209d3d6a7",
		"02c11df29b5873e0c37d1427c488ba84e5ccc57405d39299757cee06893ab8595d",
		"031545edc0fe81a17c77a391a343f95547745b28703bbe664e12c523e3272b637e",
		"02dd78522785e4175e7db9794b03adcdcfaf707153f307caa3368da5a30594d369",
	}
	agentTestKeys = []string{
		"730c22474709a6d17cf11599a80413a84ddb691a3c7b11a6d8d47a2c024b7b56",
		"a085c5eeb39636a21c85a9bc667bae18bf3e327a220ecb3998e317b62ab20ec6",
		"0b7af750e7e96ceb9fe5582bdf9bdafae726427d34447f7245a084b6cf0aa5e5",
		"dffaa5a9779931a2c1194794e6e9a89787557d6cd708d84c74de20ec5e03a7bf",
		"509c4019dd96a337a36149031869e6de5db014ab9ae5d8097ac997ca8f10422a",
		"a385fa48b4f40a2f4ea66de88c0021532299865fe6137d765788f9f856e79453",
		"ff212371e454f8292fd3b13020a3910fc91002a7ab5eb3f297b71df6b7ff9bc1",
		"04289e97041fc025c103141909d2cce649944153822f032b646214a850363618",
		"116294510fba759d19af7a65b915467384258d997695ed7018d8c19d38c29412",
		"dc2f0238e65c0291bedae58cb1c013bd03e0f41f78e1779744ac401952ec2b51",
	}
	agentTestAddresses = []string{
		"fetch1y39e4tec9fll66x2k7wed5qn7zhaneayjm55kk",
		"fetch1ufjmhth6dnhrckxrvk05lmt8s2vture23xvwjl",
		"fetch1dja5uazc9n7jpjm94rhmkkmcyv5nj3kt8aexgf",
		"fetch18v5lz9psp53akm26ztk3exytqfdvpnfdsyx232",
		"fetch10u6ra4qmukhf57xadv64jt9jhr9gdrg707x6l9",
		"fetch1hys3k2anw5mxe0y2vksccpe58jyk5gksrsjd60",
		"fetch1t07jnjjtlqa07mstg4gw9twjs2ddtqs3sgtx7c",
		"fetch18sxxgat6uaxqxvd7mgt99y7avyy3c24av36u2l",
		"fetch1sx2rmtndc5t97pn00x76sksrzgc9s2watpgw64",
		"fetch1mwd8n27t68svv4w5urztgw7e3kjh7nqkqz0j94",
	}
)

// A record signed by an agent outside this repository.
const (
	fetchAIRecordPublicKey     = "02358e3e42a6ba15cf6b2ba6eb05f02b8893acf82b316d7dd9cda702b0892b8c71"
	fetchAIRecordAddress       = "fetch19dq2mkcpp6x0aypxt9c9gz6n4fqvax0x9a7t5r"
	fetchAIRecordPeerPublicKey = "027af21aff853b9d9589867ea142b0a60a9611fc8e1fae04c2f7144113fa4e938e"
	fetchAIRecordSignature     = "N/GOa7/m3HU8/gpLJ88VCQ6vXsdrfiiYcqnNtF+c2N9VG9ZIiycykN4hdbpbOCGrChMYZQA3G1GpozsShrUBgg=="

	ethereumPublicKey = "0xf753e5a9e2368e97f4db869a0d956d3ffb64672d6392670572906c786b5712ada13b6bff882951b3ba3dd65bdacc915c2b532efc3f183aa44657205c6c337225"
	ethereumAddress   = "0xb8d8c62d4a1999b7aea0aebBD5020244a4a9bAD8"
	ethereumSignature = "0x304c2ba4ae7fa71295bfc2920b9c1268d574d65531f1f4d2117fc1439a45310c37ab75085a9df2a4169a4d47982b330a4387b1ded0c8881b030629db30bbaf3a1c"
)
